package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pageshield/internal/analysis"
	"pageshield/internal/auditlog"
	"pageshield/internal/config"
	"pageshield/internal/logger"
	"pageshield/internal/page"
)

// Message types accepted on the bus endpoint.
const (
	MsgAnalyzeText = "ANALYZE_TEXT"
	MsgScanFile    = "SCAN_FILE"
	MsgGetConfig   = "GET_CONFIG"
	MsgSaveConfig  = "SAVE_CONFIG"
	MsgAddLog      = "ADD_LOG"
	MsgCancelScan  = "CANCEL_SCAN"
)

// busMessage is the envelope for every bus request.
type busMessage struct {
	Type          string          `json:"type"`
	Text          string          `json:"text,omitempty"`
	FileName      string          `json:"fileName,omitempty"`
	FileSize      int64           `json:"fileSize,omitempty"`
	ContentBase64 string          `json:"contentBase64,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Config        *config.Config  `json:"config,omitempty"`
	Entry         *auditlog.Entry `json:"entry,omitempty"`
}

// busResponse is the envelope for every bus reply.
type busResponse struct {
	Success      bool                   `json:"success"`
	RequiresAuth bool                   `json:"requiresAuth,omitempty"`
	Error        string                 `json:"error,omitempty"`
	FailureKind  string                 `json:"failureKind,omitempty"`
	Verdict      *verdictPayload        `json:"verdict,omitempty"`
	Config       *config.Config         `json:"config,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
}

// verdictPayload mirrors the remote verdict shape on the bus.
type verdictPayload struct {
	Safe           bool                  `json:"safe"`
	RiskLevel      string                `json:"riskLevel"`
	ShouldBlock    bool                  `json:"shouldBlock"`
	BlockReason    string                `json:"blockReason,omitempty"`
	Reasons        []string              `json:"reasons,omitempty"`
	PIIDetection   *analysis.PIIFindings `json:"piiDetection,omitempty"`
	FileHash       string                `json:"fileHash,omitempty"`
	DetectionCount int                   `json:"detectionCount"`
	TotalEngines   int                   `json:"totalEngines"`
	CorrelationID  string                `json:"correlationId"`
}

// authGated reports whether a message type requires a stored credential.
func authGated(msgType string) bool {
	return msgType == MsgAnalyzeText || msgType == MsgScanFile
}

func (s *Server) handleBusMessage(w http.ResponseWriter, r *http.Request) {
	var msg busMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, busResponse{Success: false, Error: "invalid message"})
		return
	}

	if authGated(msg.Type) {
		if s.cfg.Token == nil {
			writeJSON(w, http.StatusOK, busResponse{Success: false, RequiresAuth: true})
			return
		}
		if _, ok := s.cfg.Token(); !ok {
			writeJSON(w, http.StatusOK, busResponse{Success: false, RequiresAuth: true})
			return
		}
	}

	switch msg.Type {
	case MsgAnalyzeText:
		s.handleAnalyzeText(w, r, msg)
	case MsgScanFile:
		s.handleScanFile(w, r, msg)
	case MsgGetConfig:
		cfg := s.cfg.Manager.Get()
		writeJSON(w, http.StatusOK, busResponse{Success: true, Config: &cfg})
	case MsgSaveConfig:
		s.handleSaveConfig(w, msg)
	case MsgAddLog:
		s.handleAddLog(w, msg)
	case MsgCancelScan:
		cancelled := s.Client().CancelScan(msg.CorrelationID)
		writeJSON(w, http.StatusOK, busResponse{
			Success: true,
			Extra:   map[string]interface{}{"cancelled": cancelled},
		})
	default:
		writeJSON(w, http.StatusBadRequest, busResponse{Success: false, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Server) handleAnalyzeText(w http.ResponseWriter, r *http.Request, msg busMessage) {
	if msg.Text == "" {
		writeJSON(w, http.StatusBadRequest, busResponse{Success: false, Error: "text is required"})
		return
	}
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	verdict, err := s.Client().AnalyzeText(r.Context(), msg.Text, correlationID)
	if err != nil {
		s.writeAnalysisError(w, "PROMPT_ANALYSIS", correlationID, err)
		return
	}

	s.logVerdict("PROMPT_ANALYSIS", correlationID, verdict)
	writeJSON(w, http.StatusOK, busResponse{Success: true, Verdict: toPayload(verdict, correlationID)})
}

func (s *Server) handleScanFile(w http.ResponseWriter, r *http.Request, msg busMessage) {
	if msg.FileName == "" || msg.ContentBase64 == "" {
		writeJSON(w, http.StatusBadRequest, busResponse{Success: false, Error: "fileName and contentBase64 are required"})
		return
	}
	content, err := base64.StdEncoding.DecodeString(msg.ContentBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, busResponse{Success: false, Error: "contentBase64 is not valid base64"})
		return
	}
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	f := page.File{Name: msg.FileName, Size: int64(len(content)), Content: content}
	if msg.FileSize > 0 {
		f.Size = msg.FileSize
	}

	verdict, err := s.Client().AnalyzeFile(r.Context(), f, correlationID)
	if err != nil {
		s.writeAnalysisError(w, "FILE_ANALYSIS", correlationID, err)
		return
	}

	s.logVerdict("FILE_ANALYSIS", correlationID, verdict)
	writeJSON(w, http.StatusOK, busResponse{Success: true, Verdict: toPayload(verdict, correlationID)})
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, msg busMessage) {
	if msg.Config == nil {
		writeJSON(w, http.StatusBadRequest, busResponse{Success: false, Error: "config is required"})
		return
	}
	if err := s.cfg.Manager.Update(msg.Config); err != nil {
		writeJSON(w, http.StatusOK, busResponse{Success: false, Error: err.Error()})
		return
	}
	cfg := s.cfg.Manager.Get()
	writeJSON(w, http.StatusOK, busResponse{Success: true, Config: &cfg})
}

func (s *Server) handleAddLog(w http.ResponseWriter, msg busMessage) {
	if msg.Entry == nil {
		writeJSON(w, http.StatusBadRequest, busResponse{Success: false, Error: "entry is required"})
		return
	}
	if err := s.cfg.Store.Append(*msg.Entry); err != nil {
		writeJSON(w, http.StatusOK, busResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, busResponse{Success: true})
}

// writeAnalysisError maps a failed analysis call to the bus: auth
// failures surface as requiresAuth, everything else carries its taxonomy
// kind so the page side can name the reason while still failing closed.
func (s *Server) writeAnalysisError(w http.ResponseWriter, kind, correlationID string, err error) {
	fk := analysis.KindOf(err)
	if fk == analysis.FailureAuth {
		writeJSON(w, http.StatusOK, busResponse{Success: false, RequiresAuth: true})
		return
	}
	var ce *analysis.ClassificationError
	msg := fk.Message()
	if errors.As(err, &ce) && ce.Err != nil {
		msg = ce.Error()
	}
	if s.cfg.Verdicts != nil {
		_ = s.cfg.Verdicts.Log(logger.VerdictEvent{
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Kind:          kind,
			Decision:      "BLOCK",
			Message:       fk.Message(),
			CorrelationID: correlationID,
			Error:         msg,
		})
	}
	writeJSON(w, http.StatusOK, busResponse{
		Success:     false,
		Error:       fk.Message(),
		FailureKind: string(fk),
	})
}

func (s *Server) logVerdict(kind, correlationID string, v *analysis.Verdict) {
	if s.cfg.Verdicts == nil {
		return
	}
	decision := "ALLOW"
	if v.ShouldBlock() {
		decision = "BLOCK"
	}
	_ = s.cfg.Verdicts.Log(logger.VerdictEvent{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Kind:          kind,
		Decision:      decision,
		Message:       v.BlockReason,
		CorrelationID: correlationID,
		RiskLevel:     string(v.RiskLevel),
		Reasons:       v.Reasons,
	})
}

func toPayload(v *analysis.Verdict, correlationID string) *verdictPayload {
	return &verdictPayload{
		Safe:           v.Safe,
		RiskLevel:      string(v.RiskLevel),
		ShouldBlock:    v.ShouldBlock(),
		BlockReason:    v.BlockReason,
		Reasons:        v.Reasons,
		PIIDetection:   v.PII,
		FileHash:       v.FileHash,
		DetectionCount: v.DetectionCount,
		TotalEngines:   v.TotalEngines,
		CorrelationID:  correlationID,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
