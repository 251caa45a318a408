package license

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/librisync/librisync/internal/domain"
)

// licenseRequest is the body posted to the license endpoint
type licenseRequest struct {
	Quality         string `json:"quality"`
	ConsumptionType string `json:"consumption_type"`
	DrmType         string `json:"drm_type"`
}

// licenseResponse is the subset of the license endpoint's reply this
// service consumes
type licenseResponse struct {
	ContentLicense struct {
		LicenseResponse string `json:"license_response"`
		ContentMetadata struct {
			ContentURL struct {
				OfflineURL string `json:"offline_url"`
			} `json:"content_url"`
		} `json:"content_metadata"`
	} `json:"content_license"`
}

// Service requests a per-title license, decrypts the returned voucher with
// the device-derived key, and yields usable content key material. A fresh
// voucher is acquired per download attempt; key material is never written to
// disk by this layer.
type Service struct {
	config     *domain.LicenseConfig
	tokens     domain.TokenProvider
	httpClient *http.Client
	logger     *zap.Logger
}

// NewService creates a license service
func NewService(config *domain.LicenseConfig, tokens domain.TokenProvider, logger *zap.Logger) *Service {
	return &Service{
		config:     config,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		logger:     logger,
	}
}

// Acquire requests and decrypts a license voucher for a content ID. Auth
// failures surface as ErrAuthRequired; decrypt and parse failures are fatal
// for this attempt and callers should re-request the license before retrying.
func (s *Service) Acquire(ctx context.Context, contentID string) (*domain.Voucher, error) {
	creds, err := s.tokens.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(licenseRequest{
		Quality:         s.config.Quality,
		ConsumptionType: "Download",
		DrmType:         "Adrm",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode license request: %w", err)
	}

	url := fmt.Sprintf("%s/content/%s/licenserequest", s.config.APIBaseURL, contentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build license request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTransientError("license request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &domain.CategorizedError{
			Category: domain.CategoryAuth,
			Message:  fmt.Sprintf("license endpoint rejected token (status %d)", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return nil, domain.NewTransientError(fmt.Sprintf("license endpoint returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("license endpoint returned unexpected status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewTransientError("failed to read license response", err)
	}

	var lr licenseResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return nil, fmt.Errorf("failed to parse license response: %w", err)
	}
	if lr.ContentLicense.LicenseResponse == "" {
		return nil, fmt.Errorf("license response contains no voucher")
	}
	contentURL := lr.ContentLicense.ContentMetadata.ContentURL.OfflineURL
	if contentURL == "" {
		return nil, fmt.Errorf("license response contains no offline download URL")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(lr.ContentLicense.LicenseResponse)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "voucher is not valid base64", Err: err}
	}

	key, iv := DeriveKey(creds.DeviceType, creds.DeviceSerial, creds.AccountID, contentID)
	plaintext, err := DecryptVoucher(ciphertext, key, iv)
	if err != nil {
		return nil, err
	}

	voucher, err := ParseKeyMaterial(plaintext)
	if err != nil {
		return nil, err
	}
	voucher.ContentURL = contentURL

	s.logger.Debug("license voucher decrypted",
		zap.String("content_id", contentID),
		zap.String("drm_kind", string(voucher.Kind)))

	return voucher, nil
}
