package generator

import (
	"math"
	"math/rand"
	"time"
)

// SensorKind is the quantity a simulated device measures.
type SensorKind string

const (
	// Temperature readings are hundredths of a degree Celsius.
	Temperature SensorKind = "temperature"
	// Humidity readings are hundredths of a percent.
	Humidity SensorKind = "humidity"
	// Pressure readings are hundredths of a hPa.
	Pressure SensorKind = "pressure"
)

// SensorKinds lists every supported kind.
var SensorKinds = []SensorKind{Temperature, Humidity, Pressure}

// Sensor produces plausible, slowly drifting measurements.
// Note: uses math/rand, which is fine for simulation data.
type Sensor struct {
	kind             SensorKind
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	noise            float64
	pressureTrend    float64 // Simulates weather system movement
	lastPressure     float64
}

// NewSensor returns a sensor of the given kind with randomised baselines.
func NewSensor(kind SensorKind) *Sensor {
	// #nosec G404 - weak random is acceptable for simulation
	return &Sensor{
		kind:             kind,
		baselineTemp:     20.0 + rand.Float64()*10,         // 20-30°C
		baselineHumidity: 50.0 + rand.Float64()*20,         // 50-70%
		baselinePressure: 1013.0 + (rand.Float64()-0.5)*20, // 1003-1023 hPa
		noise:            rand.Float64() * 2,
		pressureTrend:    (rand.Float64() - 0.5) * 0.5,
		lastPressure:     1013.0,
	}
}

// Kind returns what the sensor measures.
func (s *Sensor) Kind() SensorKind {
	return s.kind
}

// Measure returns the reading at t in hundredths of the sensor's unit.
func (s *Sensor) Measure(t time.Time) int64 {
	var v float64
	switch s.kind {
	case Humidity:
		v = s.humidity(t, s.temperature(t))
	case Pressure:
		v = s.pressure(t)
	default:
		v = s.temperature(t)
	}
	return int64(math.Round(v * 100))
}

// temperature follows a daily cycle peaking in the early afternoon.
func (s *Sensor) temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (rand.Float64() - 0.5) * s.noise // #nosec G404

	// Occasional anomalies (5% chance)
	anomaly := 0.0
	if rand.Float64() < 0.05 { // #nosec G404
		anomaly = (rand.Float64() - 0.5) * 15 // #nosec G404
	}

	return s.baselineTemp + dailyCycle + noise + anomaly
}

// humidity is inversely correlated with temperature.
func (s *Sensor) humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - s.baselineTemp) * 1.5
	noise := (rand.Float64() - 0.5) * s.noise * 0.5 // #nosec G404
	weatherPattern := 10 * math.Sin(float64(t.Unix())/(86400*7))

	// Rain (3% chance)
	anomaly := 0.0
	if rand.Float64() < 0.03 { // #nosec G404
		anomaly = rand.Float64() * 20 // #nosec G404
	}

	humidity := s.baselineHumidity + dailyCycle + tempEffect + noise + weatherPattern + anomaly
	return math.Max(20, math.Min(95, humidity))
}

// pressure is a trending random walk around the baseline.
func (s *Sensor) pressure(t time.Time) float64 {
	randomChange := (rand.Float64() - 0.5) * 0.5 // #nosec G404

	// Occasionally reverse trend (10% chance)
	if rand.Float64() < 0.1 { // #nosec G404
		s.pressureTrend = -s.pressureTrend + (rand.Float64()-0.5)*0.2 // #nosec G404
	}

	seasonalPattern := 5 * math.Sin(float64(t.YearDay())*2*math.Pi/365)
	diurnalCycle := 0.5 * math.Sin((float64(t.Hour())-3)*math.Pi/12)

	p := s.lastPressure + randomChange + s.pressureTrend + diurnalCycle*0.1
	p = s.baselinePressure + (p-s.baselinePressure)*0.7 + seasonalPattern
	p = math.Max(980, math.Min(1040, p))

	// Weather front (2% chance)
	if rand.Float64() < 0.02 { // #nosec G404
		front := (rand.Float64() - 0.5) * 10 // #nosec G404
		p += front
		s.pressureTrend = front * 0.3
	}

	s.lastPressure = p
	return p
}
