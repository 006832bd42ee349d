package tracker

// Mode labels
const (
	ModeWingman     = "Wingman"
	ModeCompetitive = "Premier/Competitive"
	ModeMixedComp   = "Mixed (Premier + Wingman)"
	ModeLegacy      = "Legacy"
	ModeMixed       = "Mixed"
	ModeUnknown     = "unknown"
)

var (
	competitiveMaps = setOf(
		"de_ancient", "de_dust2", "de_inferno", "de_mirage", "de_nuke",
		"de_overpass", "de_train", "de_vertigo", "de_anubis", "de_grail", "de_jura",
	)
	wingmanMaps = setOf("de_brewery", "de_dogtown")
	legacyMaps  = setOf("de_cache", "de_dust", "de_aztec", "de_italy", "de_cobblestone", "de_office")
)

func setOf(items ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

// DetermineMode classifies a server from the maps it has been seen on
func DetermineMode(visited []string) string {
	seen := setOf(visited...)
	if len(seen) == 0 {
		return ModeUnknown
	}

	if subsetOf(seen, wingmanMaps) {
		return ModeWingman
	}
	if intersects(seen, competitiveMaps) {
		if intersects(seen, wingmanMaps) {
			return ModeMixedComp
		}
		return ModeCompetitive
	}
	if subsetOf(seen, legacyMaps) {
		return ModeLegacy
	}
	return ModeMixed
}

func subsetOf(set, of map[string]struct{}) bool {
	for item := range set {
		if _, ok := of[item]; !ok {
			return false
		}
	}
	return true
}

func intersects(set, with map[string]struct{}) bool {
	for item := range set {
		if _, ok := with[item]; ok {
			return true
		}
	}
	return false
}
