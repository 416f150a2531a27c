package analysis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"pageshield/internal/page"
)

// directScanCeiling is the largest file posted directly as multipart;
// larger (but still eligible) files go through the upload-URL indirection
// so the scanner pulls the content itself.
const directScanCeiling = 8 << 20 // 8 MB

// scanResponse is the normalized wire shape of a completed file scan.
type scanResponse struct {
	Status         string `json:"status"`
	IsMalicious    bool   `json:"isMalicious"`
	DetectionCount int    `json:"detectionCount"`
	TotalEngines   int    `json:"totalEngines"`
	ShouldBlock    bool   `json:"shouldBlock"`
	FileHash       string `json:"fileHash"`
	PII            *struct {
		Detected bool     `json:"detected"`
		Types    []string `json:"types"`
	} `json:"piiDetection"`
}

// AnalyzeFile scans one file payload. Small files are posted directly;
// larger ones use the malware engine's upload/poll protocol. The scan is
// cancellable by correlation id via CancelScan.
func (c *Client) AnalyzeFile(ctx context.Context, f page.File, correlationID string) (*Verdict, error) {
	if !c.hasToken() {
		return nil, failure(FailureAuth, errors.New("no credential stored"))
	}

	ctx, cancel := context.WithCancel(ctx)
	c.trackScan(correlationID, cancel)
	defer c.untrackScan(correlationID)

	var resp *scanResponse
	var err error
	if f.Size <= directScanCeiling {
		resp, err = c.scanDirect(ctx, f, correlationID)
	} else {
		resp, err = c.scanViaUpload(ctx, f, correlationID)
	}
	if err != nil {
		return nil, err
	}
	return scanVerdict(resp), nil
}

// CancelScan abandons the in-flight scan for the given correlation id.
// The poll loop stops and the result is discarded.
func (c *Client) CancelScan(correlationID string) bool {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	cancel, ok := c.scans[correlationID]
	if ok {
		cancel()
		delete(c.scans, correlationID)
	}
	return ok
}

func (c *Client) trackScan(correlationID string, cancel context.CancelFunc) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	c.scans[correlationID] = cancel
}

func (c *Client) untrackScan(correlationID string) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	delete(c.scans, correlationID)
}

// scanDirect posts the file as multipart to the scan endpoint.
func (c *Client) scanDirect(ctx context.Context, f page.File, correlationID string) (*scanResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return nil, failure(FailureMalformed, err)
	}
	if _, err := part.Write(f.Content); err != nil {
		return nil, failure(FailureMalformed, err)
	}
	_ = mw.WriteField("clientId", c.clientID)
	_ = mw.WriteField("mspId", c.mspID)
	_ = mw.WriteField("correlationId", correlationID)
	if err := mw.Close(); err != nil {
		return nil, failure(FailureMalformed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/scan/file", &buf)
	if err != nil {
		return nil, failure(FailureUnreachable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.attachAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, failure(transportKind(err), err)
	}
	defer resp.Body.Close()
	return decodeScanResponse(resp)
}

// uploadTicket is the wire shape of the upload-URL indirection handshake.
type uploadTicket struct {
	UploadURL  string `json:"uploadUrl"`
	AnalysisID string `json:"analysisId"`
}

// scanViaUpload runs the malware engine's upload -> analysis id -> poll
// protocol: request an upload slot, push the content, then poll the result
// with a fixed interval and a bounded attempt count.
func (c *Client) scanViaUpload(ctx context.Context, f page.File, correlationID string) (*scanResponse, error) {
	var ticket uploadTicket
	body := map[string]interface{}{
		"fileName":      f.Name,
		"fileSize":      f.Size,
		"clientId":      c.clientID,
		"mspId":         c.mspID,
		"correlationId": correlationID,
	}
	if err := c.postJSON(ctx, "/api/v1/scan/upload-url", body, &ticket, true); err != nil {
		return nil, err
	}
	if ticket.UploadURL == "" || ticket.AnalysisID == "" {
		return nil, failure(FailureMalformed, errors.New("incomplete upload ticket"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ticket.UploadURL, bytes.NewReader(f.Content))
	if err != nil {
		return nil, failure(FailureUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.attachAuth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, failure(transportKind(err), err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure(FailureProtocol, fmt.Errorf("upload status %d", resp.StatusCode))
	}

	return c.pollScanResult(ctx, ticket.AnalysisID)
}

// pollScanResult polls the analysis result until completed. A scan that
// stays queued past the retry budget yields a poll-timeout error, which
// the caller can distinguish from a hard failure.
func (c *Client) pollScanResult(ctx context.Context, analysisID string) (*scanResponse, error) {
	for attempt := 0; attempt < c.maxPolls; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, failure(transportKind(ctx.Err()), ctx.Err())
			case <-time.After(c.pollInterval):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/scan/result/"+analysisID, nil)
		if err != nil {
			return nil, failure(FailureUnreachable, err)
		}
		c.attachAuth(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, failure(transportKind(err), err)
		}
		sr, err := decodeScanResponse(resp)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if sr.Status == "completed" {
			return sr, nil
		}
		// queued / in-progress: keep polling
	}
	return nil, failure(FailurePollTimeout, fmt.Errorf("analysis %s still pending after %d polls", analysisID, c.maxPolls))
}

func decodeScanResponse(resp *http.Response) (*scanResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, failure(FailureAuth, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure(FailureProtocol, fmt.Errorf("status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return nil, failure(FailureMalformed, errors.New("empty or unreadable scan response"))
	}
	var sr scanResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, failure(FailureMalformed, err)
	}
	return &sr, nil
}

func scanVerdict(sr *scanResponse) *Verdict {
	v := &Verdict{
		Safe:           !sr.IsMalicious,
		BlockRequested: sr.ShouldBlock,
		DetectionCount: sr.DetectionCount,
		TotalEngines:   sr.TotalEngines,
		FileHash:       sr.FileHash,
	}
	if sr.IsMalicious || sr.DetectionCount > 0 {
		v.RiskLevel = RiskHigh
		v.Reasons = append(v.Reasons, fmt.Sprintf("%d/%d engines flagged the file", sr.DetectionCount, sr.TotalEngines))
	} else {
		v.RiskLevel = RiskNone
	}
	if sr.PII != nil {
		v.PII = &PIIFindings{Detected: sr.PII.Detected, Types: sr.PII.Types}
	}
	return v
}

// HashFile computes the stable content hash used for non-time-sensitive
// audit dedup keys.
func HashFile(f page.File) string {
	sum := sha256.Sum256(f.Content)
	return hex.EncodeToString(sum[:])
}

// HashText computes the stable content hash for a text payload.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
