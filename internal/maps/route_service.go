// README: Road-network routing via the Google Maps Directions API.
package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"waypool/internal/types"
)

// RouteService wraps the Google Maps client. It refreshes the display
// distance/duration on ride routes; matching math never calls it.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a RouteService with the given API key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Estimate returns the driving distance and duration between two points.
func (s *RouteService) Estimate(ctx context.Context, from, to types.Point) (float64, float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", from.Lat, from.Lng),
		Destination: fmt.Sprintf("%f,%f", to.Lat, to.Lng),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, fmt.Errorf("no route found")
	}

	leg := routes[0].Legs[0]
	return float64(leg.Distance.Meters) / 1000, leg.Duration.Minutes(), nil
}
