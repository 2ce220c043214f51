package callserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dialvox/dialvox/pkg/telephony/twilio"
	"github.com/dialvox/dialvox/pkg/types"
)

// errorTwiML builds the apology document served when a voice webhook
// arrives for a call the server no longer knows.
func errorTwiML() (string, error) {
	return twilio.ErrorTwiML("Sorry, this call is no longer available. Goodbye.")
}

// handleStatus serves the server-level overview.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "ok",
		ActiveCalls:    s.activeCalls(),
		ControlClients: s.hub.count(),
		PublicURL:      s.cfg.PublicURL,
	})
}

// handleCallStatus serves one session's CallState.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callId")
	session := s.session(callID)
	if session == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no active call %s", callID))
		return
	}
	writeJSON(w, http.StatusOK, session.Snapshot())
}

// handleCall accepts an origination request over plain HTTP.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	callID, err := s.initiateCall(r.Context(), req.PhoneNumber, req.Goal, req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, callResponse{CallID: callID, Status: "initiating"})
}

// handleVoice serves the TwiML answer document Twilio fetches when the
// callee picks up. Unknown calls get an apology document instead of a bridge.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")

	var doc string
	var err error
	if callID != "" && s.session(callID) != nil {
		doc, err = s.cfg.Telephony.VoiceTwiML(callID)
	} else {
		doc, err = errorTwiML()
	}
	if err != nil {
		s.log.Error("twiml build failed", slog.String("error", err.Error()))
		http.Error(w, "twiml error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	io.WriteString(w, doc)
}

// handleTwilioStatus consumes carrier lifecycle callbacks. When a signature
// header is present it must validate, otherwise the request is rejected.
func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	if sig := r.Header.Get("X-Twilio-Signature"); sig != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		url := s.cfg.PublicURL + r.URL.RequestURI()
		if !s.cfg.Telephony.ValidateSignature(sig, url, params) {
			s.log.Warn("twilio status webhook signature mismatch",
				slog.String("url", url))
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	callID := r.URL.Query().Get("callId")
	carrierStatus := r.PostForm.Get("CallStatus")
	session := s.session(callID)
	if session == nil || carrierStatus == "" {
		// Late webhook for a retired call; acknowledge so Twilio stops
		// retrying.
		w.WriteHeader(http.StatusOK)
		return
	}

	if sid := r.PostForm.Get("CallSid"); sid != "" {
		session.SetCallSID(sid)
	}
	session.UpdateStatus(mapCarrierStatus(carrierStatus))
	w.WriteHeader(http.StatusOK)
}

// handleRecordings lists a call's recordings, or streams the first one as a
// WAV download with ?download=true.
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	callSID := r.PathValue("sid")
	recs, err := s.cfg.Telephony.FetchRecordings(r.Context(), callSID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if r.URL.Query().Get("download") == "true" {
		if len(recs) == 0 {
			writeError(w, http.StatusNotFound, "no recordings for call "+callSID)
			return
		}
		rc, err := s.cfg.Telephony.DownloadRecording(r.Context(), recs[0].SID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", recs[0].SID+".wav"))
		if _, err := io.Copy(w, rc); err != nil {
			s.log.Warn("recording download interrupted", slog.String("error", err.Error()))
		}
		return
	}

	out := make([]recordingInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordingInfo{
			SID:      rec.SID,
			Duration: rec.Duration,
			URL:      fmt.Sprintf("%s/recordings/%s?download=true", s.cfg.PublicURL, callSID),
		})
	}
	writeJSON(w, http.StatusOK, map[string][]recordingInfo{"recordings": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// mapCarrierStatus normalizes a Twilio webhook CallStatus value.
func mapCarrierStatus(carrierStatus string) types.CallStatus {
	return twilio.MapStatus(strings.ToLower(carrierStatus))
}
