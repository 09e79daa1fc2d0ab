// README: Address to coordinate resolution through the Google Geocoding API.
package maps

import (
	"context"
	"strings"

	"googlemaps.github.io/maps"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

type Geocoder struct {
	client *maps.Client
	region string
}

// NewGeocoder biases results to region (a ccTLD such as "in"); empty means no bias.
func NewGeocoder(apiKey, region string, opts ...maps.ClientOption) (*Geocoder, error) {
	client, err := newClient(apiKey, opts...)
	if err != nil {
		return nil, err
	}
	return &Geocoder{client: client, region: region}, nil
}

func (g *Geocoder) Geocode(ctx context.Context, address string) (types.Point, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.Point{}, apperr.Validation("missing_address", "address is required")
	}
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: address, Region: g.region})
	if err != nil {
		return types.Point{}, apperr.Wrap(apperr.ErrUpstream, "geocoding_failed", err)
	}
	if len(results) == 0 {
		return types.Point{}, apperr.New(apperr.ErrUpstream, "geocoding_failed", "address not found")
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}
