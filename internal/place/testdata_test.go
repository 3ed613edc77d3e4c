package place

import (
	"strings"
)

// fixtureRow builds a 19-column GeoNames row.
func fixtureRow(geonameID, name, alt, lat, lon, cc, pop string) string {
	return strings.Join([]string{
		geonameID, name, name, alt, lat, lon, "P", "PPL", cc, "",
		"06", "081", "", "", pop, "", "12", "America/Los_Angeles", "2024-01-01",
	}, "\t")
}

var fixture = strings.Join([]string{
	fixtureRow("5341430", "Daly City", "Daly City,Dejli-Siti", "37.70577", "-122.46192", "US", "106280"),
	fixtureRow("5391959", "San Francisco", "San Francisco, SF, Frisco", "37.77493", "-122.41942", "US", "864816"),
	fixtureRow("5338703", "Colma", "", "37.67688", "-122.45969", "US", "1507"),
	fixtureRow("3590197", "San Francisco", "", "14.91667", "-89.28333", "GT", ""),
}, "\n") + "\n"
