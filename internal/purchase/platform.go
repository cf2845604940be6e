package purchase

import (
	"context"
	"encoding/json"

	"tally/internal/model"
)

// PayloadVerifier is the default storefront check: it validates receipt
// payload shape without calling out. Production deployments register a
// platform's authoritative endpoint client instead; the interface is
// pluggable per platform.
type PayloadVerifier struct{}

func (PayloadVerifier) Verify(_ context.Context, req model.PurchaseRequest) error {
	if req.ReceiptPayload == "" {
		return model.Errorf(model.CodeVerificationFailed, "empty receipt payload")
	}

	// When the payload is structured, its embedded identifiers must
	// agree with the declared ones.
	var body struct {
		TransactionID string `json:"transaction_id"`
		ProductID     string `json:"product_id"`
	}
	if err := json.Unmarshal([]byte(req.ReceiptPayload), &body); err != nil {
		return model.Errorf(model.CodeVerificationFailed, "receipt payload is not valid JSON")
	}
	if body.TransactionID != "" && body.TransactionID != req.PlatformTransactionID {
		return model.Errorf(model.CodeVerificationFailed,
			"receipt transaction id does not match request")
	}
	if body.ProductID != "" && body.ProductID != req.ProductID {
		return model.Errorf(model.CodeVerificationFailed,
			"receipt product id does not match request")
	}
	return nil
}

// DefaultPlatforms wires the storefronts this deployment accepts.
func DefaultPlatforms() map[string]PlatformVerifier {
	return map[string]PlatformVerifier{
		"apple":  PayloadVerifier{},
		"google": PayloadVerifier{},
	}
}
