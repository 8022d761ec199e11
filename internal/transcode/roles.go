package transcode

// Role bit positions, least significant first. The wire format is a
// bitmask; the API format is a list of role names.
var (
	cfmRoles = []string{"dev", "admin", "mod", "translator", "trainee"}
	tfmRoles = []string{
		"admin", "mod", "sentinel", "mapcrew", "module",
		"funcorp", "fashion", "flash", "event", "discorderator",
	}
)

func toRoles(enum []string, bits int64) []string {
	if bits == 0 {
		return []string{}
	}
	roles := make([]string, 0, len(enum))
	for idx, role := range enum {
		if bits&(1<<idx) != 0 {
			roles = append(roles, role)
		}
	}
	return roles
}

func fromRoles(enum []string, roles []string) int64 {
	var bits int64
	for _, role := range roles {
		for idx, name := range enum {
			if name == role {
				bits |= 1 << idx
				break
			}
		}
	}
	return bits
}

// ToCFMRoles expands a website role bitmask into role names.
func ToCFMRoles(bits int64) []string { return toRoles(cfmRoles, bits) }

// ToTFMRoles expands a game role bitmask into role names.
func ToTFMRoles(bits int64) []string { return toRoles(tfmRoles, bits) }

// FromCFMRoles packs website role names into a bitmask.
func FromCFMRoles(roles []string) int64 { return fromRoles(cfmRoles, roles) }

// FromTFMRoles packs game role names into a bitmask.
func FromTFMRoles(roles []string) int64 { return fromRoles(tfmRoles, roles) }
