package geocoding

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/transfer-portal/internal/backend"
	"github.com/jwalitptl/transfer-portal/pkg/errors"
	"github.com/jwalitptl/transfer-portal/pkg/logger"
)

type Config struct {
	CountryCode string
	Language    string
	Limit       int
	CacheTTL    time.Duration
	// RequestsPerSecond caps calls to the upstream geocoder, which bans
	// clients that exceed its usage policy.
	RequestsPerSecond float64
}

// Place is one geocoding match.
type Place struct {
	DisplayName string  `json:"displayName"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Type        string  `json:"type,omitempty"`
}

type Service interface {
	Search(ctx context.Context, query string) ([]Place, error)
}

type service struct {
	client  *backend.Client
	cfg     Config
	cache   *cache.Cache
	limiter *rate.Limiter
	logger  *logger.Logger
}

func NewService(client *backend.Client, cfg Config, log *logger.Logger) Service {
	if cfg.CountryCode == "" {
		cfg.CountryCode = "kz"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}

	return &service{
		client:  client,
		cfg:     cfg,
		cache:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  log.WithComponent("geocoding"),
	}
}

// upstream result shape; coordinates arrive as strings
type searchResult struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Type        string `json:"type"`
}

func (s *service) Search(ctx context.Context, query string) ([]Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.BadRequest("query is required", nil)
	}

	key := strings.ToLower(query)
	if cached, ok := s.cache.Get(key); ok {
		return cached.([]Place), nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("geocoding rate limit: %w", err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("countrycodes", s.cfg.CountryCode)
	params.Set("limit", strconv.Itoa(s.cfg.Limit))
	if s.cfg.Language != "" {
		params.Set("accept-language", s.cfg.Language)
	}

	var results []searchResult
	if err := s.client.Get(ctx, "geocoding_search", "/search", params, &results); err != nil {
		return nil, fmt.Errorf("failed to search places: %w", err)
	}

	places := make([]Place, 0, len(results))
	for _, r := range results {
		lat, errLat := strconv.ParseFloat(r.Lat, 64)
		lng, errLng := strconv.ParseFloat(r.Lon, 64)
		if errLat != nil || errLng != nil {
			s.logger.Debug("skipping geocoding result without coordinates", "name", r.DisplayName)
			continue
		}
		places = append(places, Place{DisplayName: r.DisplayName, Lat: lat, Lng: lng, Type: r.Type})
	}

	s.cache.Set(key, places, cache.DefaultExpiration)
	return places, nil
}
