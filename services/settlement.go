package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"challenge-escrow-system/models"
	"challenge-escrow-system/utils"

	"gorm.io/gorm"
)

// TransferClient moves funds through the external transfer mechanism. The
// idempotency key makes repeated calls for the same leg safe on the remote
// side.
type TransferClient interface {
	Transfer(ctx context.Context, from, to string, amount int64, asset models.AssetType, idempotencyKey string) (txRef string, err error)
}

// HTTPTransferClient talks to the hosted transfer endpoint.
type HTTPTransferClient struct {
	BaseURL      string
	ServiceToken string
	HTTPClient   *http.Client
}

func NewHTTPTransferClient(baseURL, serviceToken string) *HTTPTransferClient {
	return &HTTPTransferClient{
		BaseURL:      baseURL,
		ServiceToken: serviceToken,
		HTTPClient:   utils.HTTPClient,
	}
}

func (c *HTTPTransferClient) Transfer(ctx context.Context, from, to string, amount int64, asset models.AssetType, idempotencyKey string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"from":            from,
		"to":              to,
		"amount":          amount,
		"asset_type":      asset,
		"idempotency_key": idempotencyKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.ServiceToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call transfer service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("transfer service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		TxReference string `json:"tx_reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode transfer response: %w", err)
	}
	return response.TxReference, nil
}

// SettlementDispatcher instructs the transfer mechanism on terminal
// transitions. Each settlement is keyed by the owning challenge or bracket
// id; a record already marked sent returns success without another remote
// call, which is what lets the owning state machine retry safely.
type SettlementDispatcher struct {
	DB       *gorm.DB
	Transfer TransferClient
}

func NewSettlementDispatcher(db *gorm.DB, transfer TransferClient) *SettlementDispatcher {
	return &SettlementDispatcher{DB: db, Transfer: transfer}
}

// Settle dispatches the legs of a settlement. On any leg failure the record
// is marked failed and ErrSettlementFailed is returned; the caller must not
// advance its own state.
func (d *SettlementDispatcher) Settle(ctx context.Context, id, kind string, asset models.AssetType, legs []models.TransferLeg, feeAmount int64, winner string) error {
	var rec models.SettlementRecord
	err := d.DB.WithContext(ctx).First(&rec, "id = ?", id).Error
	switch {
	case err == nil:
		if rec.Status == models.SettlementSent {
			return nil
		}
	case err == gorm.ErrRecordNotFound:
		legsJSON, mErr := json.Marshal(legs)
		if mErr != nil {
			return fmt.Errorf("failed to encode settlement legs: %w", mErr)
		}
		rec = models.SettlementRecord{
			ID:        id,
			Kind:      kind,
			AssetType: asset,
			Status:    models.SettlementPending,
			LegsJSON:  string(legsJSON),
			FeeAmount: feeAmount,
			Winner:    winner,
		}
		if cErr := d.DB.WithContext(ctx).Create(&rec).Error; cErr != nil {
			return fmt.Errorf("failed to create settlement record: %w", cErr)
		}
	default:
		return fmt.Errorf("failed to load settlement record %s: %w", id, err)
	}

	return d.dispatch(ctx, &rec)
}

// Redispatch retries a previously failed settlement record.
func (d *SettlementDispatcher) Redispatch(ctx context.Context, rec *models.SettlementRecord) error {
	if rec.Status == models.SettlementSent {
		return nil
	}
	return d.dispatch(ctx, rec)
}

func (d *SettlementDispatcher) dispatch(ctx context.Context, rec *models.SettlementRecord) error {
	var legs []models.TransferLeg
	if err := json.Unmarshal([]byte(rec.LegsJSON), &legs); err != nil {
		return fmt.Errorf("failed to decode settlement legs for %s: %w", rec.ID, err)
	}

	var txRefs []string
	for i, leg := range legs {
		key := fmt.Sprintf("%s:%d", rec.ID, i)
		txRef, err := d.Transfer.Transfer(ctx, leg.From, leg.To, leg.Amount, rec.AssetType, key)
		if err != nil {
			log.Printf("[SETTLE] %s leg %d (%s -> %s, %d) failed: %v", rec.ID, i, leg.From, leg.To, leg.Amount, err)
			if uErr := d.DB.WithContext(ctx).Model(rec).Updates(map[string]interface{}{
				"status":     models.SettlementFailed,
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": err.Error(),
			}).Error; uErr != nil {
				log.Printf("[SETTLE] failed to record failure for %s: %v", rec.ID, uErr)
			}
			return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
		txRefs = append(txRefs, txRef)
	}

	now := time.Now()
	if err := d.DB.WithContext(ctx).Model(rec).Updates(map[string]interface{}{
		"status":     models.SettlementSent,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": "",
		"tx_refs":    strings.Join(txRefs, ","),
		"sent_at":    &now,
	}).Error; err != nil {
		return fmt.Errorf("failed to mark settlement %s sent: %w", rec.ID, err)
	}
	rec.Status = models.SettlementSent
	log.Printf("[SETTLE] %s sent (%d legs, fee %d)", rec.ID, len(legs), rec.FeeAmount)
	return nil
}

// FailedSettlements lists records the retry job should re-dispatch.
func (d *SettlementDispatcher) FailedSettlements(ctx context.Context, maxAttempts int) ([]models.SettlementRecord, error) {
	var recs []models.SettlementRecord
	if err := d.DB.WithContext(ctx).
		Where("status = ? AND attempts < ?", models.SettlementFailed, maxAttempts).
		Order("updated_at ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed settlements: %w", err)
	}
	return recs, nil
}
