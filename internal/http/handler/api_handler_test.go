package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerSuffix/internal/app/bucket"
	"github.com/sifan077/PowerSuffix/internal/app/interval"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIntervals struct {
	history      []model.IntervalState
	overridesErr error
	gotAccount   string
}

func (s *stubIntervals) History(_ context.Context, _, accountID string, _ int) ([]model.IntervalState, error) {
	s.gotAccount = accountID
	return s.history, nil
}

func (s *stubIntervals) SetOverrides(_ context.Context, _, accountID string, _ model.IntervalOverrides, _ model.ScriptDefaults) (int64, model.IntervalScenario, error) {
	s.gotAccount = accountID
	if s.overridesErr != nil {
		return 0, "", s.overridesErr
	}
	return 4000, model.ScenarioStable, nil
}

func newAPIApp(t *testing.T, offers service.OfferService, intervals IntervalAPI) (*fiber.App, *bucket.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := bucket.NewRedisStore(rdb, bucket.Config{Prefix: "test"})

	app := fiber.New()
	NewAPIHandler(APIDeps{
		Offers:    offers,
		Buckets:   store,
		Intervals: intervals,
	}).Register(app)
	return app, store
}

func seed(t *testing.T, store bucket.Store, offer, geo string, n int) {
	t.Helper()
	recs := make([]model.SuffixRecord, n)
	for i := range recs {
		recs[i] = model.SuffixRecord{
			ID:          fmt.Sprintf("%s-%s-%d", offer, geo, i),
			OfferID:     offer,
			TargetGeo:   geo,
			SuffixValue: fmt.Sprintf("gclid=%s%d", geo, i),
		}
	}
	_, err := store.Insert(context.Background(), recs)
	require.NoError(t, err)
}

func TestClearBuckets_RequiresConfirm(t *testing.T) {
	app, store := newAPIApp(t, offersWith(), nil)
	seed(t, store, "spring", "US", 3)

	resp := doJSON(t, app, http.MethodDelete, "/api/offers/spring/buckets", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	n, err := store.Available(context.Background(), "spring", "US")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	resp = doJSON(t, app, http.MethodDelete, "/api/offers/spring/buckets?confirm=true&geo=US", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Removed int `json:"removed"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 3, body.Removed)
}

func TestBucketStats_EmptyOfferReturnsEmptyList(t *testing.T) {
	app, _ := newAPIApp(t, offersWith(), nil)

	resp := doJSON(t, app, http.MethodGet, "/api/offers/none/buckets", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Buckets []model.BucketStats `json:"buckets"`
	}
	decode(t, resp, &body)
	assert.NotNil(t, body.Buckets)
	assert.Empty(t, body.Buckets)
}

func TestOfferStats_SumsPools(t *testing.T) {
	app, store := newAPIApp(t, offersWith(model.Offer{Name: "spring", AccountID: "a"}), nil)
	seed(t, store, "spring", "US", 10)
	seed(t, store, "spring", "GB", 2)

	resp := doJSON(t, app, http.MethodGet, "/api/offers/spring/stats", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Available int `json:"available"`
		Pools     int `json:"pools"`
		LowPools  int `json:"low_pools"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 12, body.Available)
	assert.Equal(t, 2, body.Pools)
	assert.Equal(t, 1, body.LowPools)
}

func TestCreateOffer_MapsValidationErrors(t *testing.T) {
	offers := &mockOffers{
		createFn: func(context.Context, service.CreateOfferInput) (*model.Offer, error) {
			return nil, fmt.Errorf("%w: geo_pool is empty", model.ErrInvalidOfferConfig)
		},
	}
	app, _ := newAPIApp(t, offers, nil)

	resp := doJSON(t, app, http.MethodPost, "/api/offers", CreateOfferRequest{Name: "spring", AccountID: "a"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/offers", CreateOfferRequest{Name: "spring"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUpdateOffer_NotFound(t *testing.T) {
	app, _ := newAPIApp(t, &mockOffers{}, nil)
	disabled := true
	resp := doJSON(t, app, http.MethodPut, "/api/offers/ghost", UpdateOfferRequest{Disabled: &disabled})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSetIntervalOverrides_DefaultsAccountAndRejectsInvalid(t *testing.T) {
	intervals := &stubIntervals{}
	app, _ := newAPIApp(t, offersWith(model.Offer{Name: "spring", AccountID: "acct-9"}), intervals)

	resp := doJSON(t, app, http.MethodPut, "/api/offers/spring/intervals/overrides", map[string]any{"min_interval_override_ms": 2000})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "acct-9", intervals.gotAccount)

	intervals.overridesErr = fmt.Errorf("%w: min above max", interval.ErrInvalidOverride)
	resp = doJSON(t, app, http.MethodPut, "/api/offers/spring/intervals/overrides", map[string]any{"min_interval_override_ms": 2000})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMarkSuffix(t *testing.T) {
	app, store := newAPIApp(t, offersWith(), nil)
	seed(t, store, "spring", "US", 1)

	resp := doJSON(t, app, http.MethodPost, "/api/suffixes/spring-US-0/status", MarkSuffixRequest{Status: model.SuffixUsed})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/suffixes/missing/status", MarkSuffixRequest{Status: model.SuffixInvalid})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/suffixes/spring-US-0/status", MarkSuffixRequest{Status: model.SuffixZeroClick})
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/api/suffixes/spring-US-0/status", MarkSuffixRequest{Status: model.SuffixInvalid})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestOfferError_InternalFailure(t *testing.T) {
	offers := &mockOffers{
		getFn: func(context.Context, string) (*model.Offer, error) { return nil, errors.New("db down") },
	}
	app, _ := newAPIApp(t, offers, nil)
	resp := doJSON(t, app, http.MethodGet, "/api/offers/spring", nil)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
