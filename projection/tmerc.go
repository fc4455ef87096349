package projection

import "math"

// Ellipsoid is a reference ellipsoid given by its semi-major axis (meters)
// and inverse flattening.
type Ellipsoid struct {
	A    float64
	InvF float64
}

// GRS80 is the ellipsoid of ETRS89 and LKS-92.
var GRS80 = Ellipsoid{A: 6378137, InvF: 298.257222101}

// TMParams describes a Transverse Mercator projection.
type TMParams struct {
	Code      string
	Ellipsoid Ellipsoid
	Lon0      float64 // central meridian, degrees
	Lat0      float64 // latitude of origin, degrees
	K0        float64 // scale factor on the central meridian
	FalseE    float64
	FalseN    float64
}

// TransverseMercator implements the Krüger series to sixth order in the
// third flattening, accurate to well below a millimetre within a few
// thousand kilometres of the central meridian.
type TransverseMercator struct {
	p      TMParams
	e      float64 // first eccentricity
	scaleA float64 // k0 * rectifying radius
	northO float64 // meridian arc to lat0, already scaled
	alpha  [6]float64
	beta   [6]float64
}

// LKS92 returns the Latvian national grid, EPSG:3059.
func LKS92() *TransverseMercator {
	return NewTransverseMercator(TMParams{
		Code:      "EPSG:3059",
		Ellipsoid: GRS80,
		Lon0:      24,
		Lat0:      0,
		K0:        0.9996,
		FalseE:    500000,
		FalseN:    -6000000,
	})
}

// NewTransverseMercator precomputes the series coefficients for p.
func NewTransverseMercator(p TMParams) *TransverseMercator {
	f := 1 / p.Ellipsoid.InvF
	n := f / (2 - f)
	n2 := n * n
	n3 := n2 * n
	n4 := n3 * n
	n5 := n4 * n
	n6 := n5 * n

	tm := &TransverseMercator{
		p: p,
		e: math.Sqrt(f * (2 - f)),
	}
	a := p.Ellipsoid.A / (1 + n) * (1 + n2/4 + n4/64 + n6/256)
	tm.scaleA = p.K0 * a

	tm.alpha = [6]float64{
		n/2 - 2*n2/3 + 5*n3/16 + 41*n4/180 - 127*n5/288 + 7891*n6/37800,
		13*n2/48 - 3*n3/5 + 557*n4/1440 + 281*n5/630 - 1983433*n6/1935360,
		61*n3/240 - 103*n4/140 + 15061*n5/26880 + 167603*n6/181440,
		49561*n4/161280 - 179*n5/168 + 6601661*n6/7257600,
		34729*n5/80640 - 3418889*n6/1995840,
		212378941 * n6 / 319334400,
	}
	tm.beta = [6]float64{
		n/2 - 2*n2/3 + 37*n3/96 - n4/360 - 81*n5/512 + 96199*n6/604800,
		n2/48 + n3/15 - 437*n4/1440 + 46*n5/105 - 1118711*n6/3870720,
		17*n3/480 - 37*n4/840 - 209*n5/4480 + 5569*n6/90720,
		4397*n4/161280 - 11*n5/504 - 830251*n6/7257600,
		4583*n5/161280 - 108847*n6/3991680,
		20648693 * n6 / 638668800,
	}

	if p.Lat0 != 0 {
		_, tm.northO = tm.forward(0, p.Lat0*math.Pi/180)
	}
	return tm
}

func (tm *TransverseMercator) Name() string { return tm.p.Code }

// Params returns the projection parameters.
func (tm *TransverseMercator) Params() TMParams { return tm.p }

func (tm *TransverseMercator) CentralMeridian() float64 { return tm.p.Lon0 }

func (tm *TransverseMercator) ToTarget(lon, lat float64) (float64, float64) {
	lam := (lon - tm.p.Lon0) * math.Pi / 180
	phi := lat * math.Pi / 180
	x, y := tm.forward(lam, phi)
	return tm.p.FalseE + x, tm.p.FalseN + y - tm.northO
}

// forward returns easting and northing relative to the central meridian
// and the equator.
func (tm *TransverseMercator) forward(lam, phi float64) (float64, float64) {
	sinPhi := math.Sin(phi)
	t := math.Sinh(math.Atanh(sinPhi) - tm.e*math.Atanh(tm.e*sinPhi))
	xiP := math.Atan2(t, math.Cos(lam))
	etaP := math.Atanh(math.Sin(lam) / math.Sqrt(1+t*t))

	xi, eta := xiP, etaP
	for j, a := range tm.alpha {
		k := 2 * float64(j+1)
		xi += a * math.Sin(k*xiP) * math.Cosh(k*etaP)
		eta += a * math.Cos(k*xiP) * math.Sinh(k*etaP)
	}
	return tm.scaleA * eta, tm.scaleA * xi
}

func (tm *TransverseMercator) ToSource(x, y float64) (float64, float64) {
	xi := (y - tm.p.FalseN + tm.northO) / tm.scaleA
	eta := (x - tm.p.FalseE) / tm.scaleA

	xiP, etaP := xi, eta
	for j, b := range tm.beta {
		k := 2 * float64(j+1)
		xiP -= b * math.Sin(k*xi) * math.Cosh(k*eta)
		etaP -= b * math.Cos(k*xi) * math.Sinh(k*eta)
	}

	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	lam := math.Atan2(math.Sinh(etaP), math.Cos(xiP))
	phi := tm.geodeticFromConformal(chi)

	return tm.p.Lon0 + lam*180/math.Pi, phi * 180 / math.Pi
}

// geodeticFromConformal inverts the conformal latitude by fixed-point
// iteration; it converges in a handful of steps for terrestrial
// eccentricities.
func (tm *TransverseMercator) geodeticFromConformal(chi float64) float64 {
	e := tm.e
	base := math.Tan(math.Pi/4 + chi/2)
	phi := chi
	for i := 0; i < 20; i++ {
		es := e * math.Sin(phi)
		next := 2*math.Atan(base*math.Pow((1+es)/(1-es), e/2)) - math.Pi/2
		if math.Abs(next-phi) < 1e-14 {
			return next
		}
		phi = next
	}
	return phi
}
