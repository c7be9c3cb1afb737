package cache

const (
	KeyActiveZones = "zones:active"
	keyZonesGlob   = "zones:*"
)
