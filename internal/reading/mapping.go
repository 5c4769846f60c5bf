package reading

import "net/url"

// Canonical field names.
const (
	FieldIndoorTemp      = "indoor_temp"
	FieldIndoorHumidity  = "indoor_humidity"
	FieldPressureRel     = "pressure_rel"
	FieldPressureAbs     = "pressure_abs"
	FieldOutdoorTemp     = "outdoor_temp"
	FieldOutdoorHumidity = "outdoor_humidity"
	FieldWindSpeed       = "wind_speed"
	FieldWindGust        = "wind_gust"
	FieldWindDirection   = "wind_direction"
	FieldRainRate        = "rain_rate"
	FieldRainDaily       = "rain_daily"
	FieldUVIndex         = "uv_index"
	FieldSolarRadiation  = "solar_radiation"
	FieldBatteryOK       = "battery_ok"
	FieldStationID       = "station_id"
)

// A Mapping pairs a raw firmware query key with its canonical field.
type Mapping struct {
	Raw       string
	Canonical string
}

// Table is the raw-to-canonical mapping in its fixed iteration order.
//
// Several firmware variants report the same quantity under different keys.
// When a request carries more than one of them, the entry later in this
// table wins: tp1tm beats temp, tp1hu beats hum.
var Table = []Mapping{
	{"tmi", FieldIndoorTemp},
	{"hui", FieldIndoorHumidity},
	{"relbi", FieldPressureRel},
	{"absbi", FieldPressureAbs},
	{"temp", FieldOutdoorTemp},
	{"tp1tm", FieldOutdoorTemp},
	{"hum", FieldOutdoorHumidity},
	{"tp1hu", FieldOutdoorHumidity},
	{"wind", FieldWindSpeed},
	{"gust", FieldWindGust},
	{"wdir", FieldWindDirection},
	{"rain", FieldRainRate},
	{"dailyrain", FieldRainDaily},
	{"uv", FieldUVIndex},
	{"solarradiation", FieldSolarRadiation},
	{"tp1bt", FieldBatteryOK},
	{"wsid", FieldStationID},
}

// CanonicalFields lists every field the mapper can produce, in the order they
// first appear in Table.
func CanonicalFields() []string {
	seen := make(map[string]bool, len(Table))
	var out []string
	for _, m := range Table {
		if !seen[m.Canonical] {
			seen[m.Canonical] = true
			out = append(out, m.Canonical)
		}
	}
	return out
}

// Mapper converts query parameters into a Reading.
type Mapper struct {
	// RequireStationID suppresses readings without a station_id field.
	RequireStationID bool
}

// Map builds a Reading from params. Only the first value of each key is
// used. It reports false when nothing was mapped, or when RequireStationID is
// set and the station did not identify itself.
func (m Mapper) Map(params url.Values) (Reading, bool) {
	index := make(map[string]int, len(Table))
	var fields []Field
	for _, t := range Table {
		vals, ok := params[t.Raw]
		if !ok || len(vals) == 0 {
			continue
		}
		v := Coerce(vals[0])
		if i, ok := index[t.Canonical]; ok {
			fields[i].Value = v
			continue
		}
		index[t.Canonical] = len(fields)
		fields = append(fields, Field{Name: t.Canonical, Value: v})
	}

	r := Reading{fields: fields}
	if r.Len() == 0 {
		return Reading{}, false
	}
	if m.RequireStationID {
		if _, ok := r.StationID(); !ok {
			return Reading{}, false
		}
	}
	return r, true
}
