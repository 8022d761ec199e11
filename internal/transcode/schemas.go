package transcode

import (
	"strconv"
	"strings"
)

// Default is the registry every service shares. The declarations
// mirror the column layout the updater maintains.
var Default = NewRegistry()

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		parsed, _ := strconv.ParseInt(string(n), 10, 64)
		return parsed
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func cfmRoleList(v any) any { return ToCFMRoles(asInt64(v)) }
func tfmRoleList(v any) any { return ToTFMRoles(asInt64(v)) }

// commaList splits "a,b,c" into a list; empty input yields an empty
// list, not [""].
func commaList(v any) any {
	s := asString(v)
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// slashList splits outfit strings, "look1/look2/...".
func slashList(v any) any {
	s := asString(v)
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "/")
}

// fromHex parses a hex color string; empty means unset (0).
func fromHex(v any) any {
	s := asString(v)
	if s == "" {
		return int64(0)
	}
	parsed, _ := strconv.ParseInt(s, 16, 64)
	return parsed
}

func init() {
	Default.MustRegister("BasicPlayer", Schema{
		Fields: map[string]Field{
			"id":        {Column: "id"},
			"name":      {Column: "name", Default: ""},
			"cfm_roles": {Column: "cfm_roles", Default: int64(0), Process: cfmRoleList},
			"tfm_roles": {Column: "tfm_roles", Default: int64(0), Process: tfmRoleList},
		},
	})
	Default.MustRegister("BasicTribe", Schema{
		Fields: map[string]Field{
			"id":   {Column: "id"},
			"name": {Column: "name"},
		},
	})

	Default.MustRegister("Shop", Schema{
		Fields: map[string]Field{
			"look":         {Column: "look", Default: "1;0"},
			"outfits":      {Column: "dress_list", Default: "", Process: slashList},
			"mouse_color":  {Column: "color1", Default: "", Process: fromHex},
			"shaman_color": {Column: "color2", Default: "", Process: fromHex},
		},
	})

	Default.MustRegister("TribeShamanStats", Schema{
		Fields: map[string]Field{
			"cheese":       {Column: "shaman_cheese", Default: int64(0)},
			"saves_normal": {Column: "saved_mice", Default: int64(0)},
			"saves_hard":   {Column: "saved_mice_hard", Default: int64(0)},
			"saves_divine": {Column: "saved_mice_divine", Default: int64(0)},
		},
	})
	Default.MustRegister("ShamanStats", Schema{
		Inherit: "TribeShamanStats",
		Fields: map[string]Field{
			"experience": {Column: "experience", Default: int64(0)},
		},
	})
	Default.MustRegister("MouseStats", Schema{
		Fields: map[string]Field{
			"rounds":   {Column: "round_played", Default: int64(0)},
			"cheese":   {Column: "cheese_gathered", Default: int64(0)},
			"first":    {Column: "first", Default: int64(0)},
			"bootcamp": {Column: "bootcamp", Default: int64(0)},
		},
	})
	Default.MustRegister("SurvivorStats", Schema{
		Fields: map[string]Field{
			"rounds":   {Column: "round_played", Default: int64(0)},
			"killed":   {Column: "mouse_killed", Default: int64(0)},
			"shaman":   {Column: "shaman_count", Default: int64(0)},
			"survivor": {Column: "survivor_count", Default: int64(0)},
		},
	})
	Default.MustRegister("RacingStats", Schema{
		Fields: map[string]Field{
			"rounds":   {Column: "round_played", Default: int64(0)},
			"finished": {Column: "finished_map", Default: int64(0)},
			"first":    {Column: "first", Default: int64(0)},
			"podium":   {Column: "podium", Default: int64(0)},
		},
	})
	Default.MustRegister("DefilanteStats", Schema{
		Fields: map[string]Field{
			"rounds":   {Column: "round_played", Default: int64(0)},
			"finished": {Column: "finished_map", Default: int64(0)},
			"points":   {Column: "points", Default: int64(0)},
		},
	})
	Default.MustRegister("ScoreStats", Schema{
		Fields: map[string]Field{
			"stats":     {Column: "stats", Default: int64(0)},
			"shaman":    {Column: "shaman", Default: int64(0)},
			"survivor":  {Column: "survivor", Default: int64(0)},
			"racing":    {Column: "racing", Default: int64(0)},
			"defilante": {Column: "defilante", Default: int64(0)},
			"overall":   {Column: "overall", Default: int64(0)},
		},
	})

	Default.MustRegister("AllStats", Schema{
		Subs: map[string]Sub{
			"shaman":    {Schema: "ShamanStats"},
			"mouse":     {Schema: "MouseStats"},
			"survivor":  {Schema: "SurvivorStats", Prefix: "survivor_"},
			"racing":    {Schema: "RacingStats", Prefix: "racing_"},
			"defilante": {Schema: "DefilanteStats", Prefix: "defilante_"},
			"score":     {Schema: "ScoreStats", Prefix: "score_"},
		},
	})

	Default.MustRegister("PlayerProfile", Schema{
		Inherit: "BasicPlayer",
		Fields: map[string]Field{
			"title":  {Column: "title", Default: int64(0)},
			"titles": {Column: "unlocked_titles", Default: "0", Process: commaList},
			"badges": {Column: "badges", Default: "", Process: commaList},
		},
		Subs: map[string]Sub{
			"tribe":    {Schema: "BasicTribe", Prefix: "tribe_"},
			"soulmate": {Schema: "BasicPlayer", Prefix: "sm_"},
			"shop":     {Schema: "Shop"},
			"stats":    {Schema: "AllStats"},
		},
	})

	Default.MustRegister("TribeMemberCount", Schema{
		Fields: map[string]Field{
			"total":  {Column: "members", Default: int64(0)},
			"active": {Column: "active", Default: int64(0)},
		},
	})
	Default.MustRegister("TribeProfile", Schema{
		Inherit: "BasicTribe",
		Subs: map[string]Sub{
			"members": {Schema: "TribeMemberCount"},
			"stats":   {Schema: "AllStats"},
		},
	})

	Default.MustRegister("Privacy", Schema{
		Fields: map[string]Field{
			"titles":    {Column: "titles", Default: true},
			"shaman":    {Column: "shaman", Default: true},
			"mouse":     {Column: "mouse", Default: true},
			"survivor":  {Column: "survivor", Default: true},
			"racing":    {Column: "racing", Default: true},
			"defilante": {Column: "defilante", Default: true},
		},
	})
	Default.MustRegister("AccountInformation", Schema{
		Subs: map[string]Sub{
			"player":  {Schema: "BasicPlayer"},
			"privacy": {Schema: "Privacy"},
		},
	})
}
