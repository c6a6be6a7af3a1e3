package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/app/repository"
	"github.com/sifan077/PowerSuffix/internal/app/service"
)

type mockOffers struct {
	createFn    func(ctx context.Context, input service.CreateOfferInput) (*model.Offer, error)
	getFn       func(ctx context.Context, name string) (*model.Offer, error)
	listFn      func(ctx context.Context, limit, offset int) ([]model.Offer, error)
	listActive  func(ctx context.Context) ([]model.Offer, error)
	updateFn    func(ctx context.Context, name string, input service.UpdateOfferInput) (*model.Offer, error)
	thresholdFn func(offerID string) int
}

func (m *mockOffers) CreateOffer(ctx context.Context, input service.CreateOfferInput) (*model.Offer, error) {
	if m.createFn != nil {
		return m.createFn(ctx, input)
	}
	return &model.Offer{Name: input.Name, AccountID: input.AccountID, Config: input.Config}, nil
}

func (m *mockOffers) GetOffer(ctx context.Context, name string) (*model.Offer, error) {
	if m.getFn != nil {
		return m.getFn(ctx, name)
	}
	return nil, repository.ErrOfferNotFound
}

func (m *mockOffers) ListOffers(ctx context.Context, limit, offset int) ([]model.Offer, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit, offset)
	}
	return nil, nil
}

func (m *mockOffers) ListActiveOffers(ctx context.Context) ([]model.Offer, error) {
	if m.listActive != nil {
		return m.listActive(ctx)
	}
	return nil, nil
}

func (m *mockOffers) UpdateOffer(ctx context.Context, name string, input service.UpdateOfferInput) (*model.Offer, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, name, input)
	}
	return nil, repository.ErrOfferNotFound
}

func (m *mockOffers) Threshold(offerID string) int {
	if m.thresholdFn != nil {
		return m.thresholdFn(offerID)
	}
	return 5
}

// offersWith serves the given offers by name.
func offersWith(offers ...model.Offer) *mockOffers {
	byName := make(map[string]model.Offer, len(offers))
	for _, o := range offers {
		byName[o.Name] = o
	}
	return &mockOffers{
		getFn: func(_ context.Context, name string) (*model.Offer, error) {
			o, ok := byName[name]
			if !ok {
				return nil, repository.ErrOfferNotFound
			}
			return &o, nil
		},
	}
}

func doJSON(t *testing.T, app *fiber.App, method, target string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
