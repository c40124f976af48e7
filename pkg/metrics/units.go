package metrics

// WToKW converts watts to kilowatts.
func WToKW(w float64) float64 {
	return w / 1000
}

// KWToW converts kilowatts to watts.
func KWToW(kw float64) float64 {
	return kw * 1000
}

// WhToKWh converts watt-hours to kilowatt-hours.
func WhToKWh(wh float64) float64 {
	return wh / 1000
}
