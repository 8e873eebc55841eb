package config

// City is a marketplace city the engine syncs when the local store has no
// City rows yet.
type City struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
}

// SupportedCities is the bootstrap list of cities
var SupportedCities = []City{
	{ExternalID: "1", Name: "Moscow"},
	{ExternalID: "2", Name: "Saint Petersburg"},
	// Add more cities here as needed
}

// GetCityIDs returns the external ids of the supported cities
func GetCityIDs() []string {
	ids := make([]string, len(SupportedCities))
	for i, city := range SupportedCities {
		ids[i] = city.ExternalID
	}
	return ids
}

// GetCityByID returns a city by external id
func GetCityByID(id string) *City {
	for _, city := range SupportedCities {
		if city.ExternalID == id {
			return &city
		}
	}
	return nil
}
