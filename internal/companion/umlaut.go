package companion

import "strings"

// umlauts spells out the characters the device font cannot draw.
var umlauts = strings.NewReplacer(
	"Ä", "Ae",
	"Ö", "Oe",
	"Ü", "Ue",
	"ä", "ae",
	"ö", "oe",
	"ü", "ue",
	"ß", "ss",
)

// Transliterate replaces German umlauts and sharp s with ASCII spellings.
func Transliterate(s string) string {
	return umlauts.Replace(s)
}
