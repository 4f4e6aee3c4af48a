package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/relaypool/gemini-relay/internal/gateway"
	"github.com/relaypool/gemini-relay/internal/logging"
)

// GenerateHandler serves POST /v1beta/models/{model}:generateContent.
func GenerateHandler(engine *gateway.Engine, maxBodyBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(w, r, maxBodyBytes)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := validateContents(body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		model := engine.ResolveModel(chi.URLParam(r, "model"))
		requestID := logging.GetRequestID(r.Context())
		log.Printf("📨 [%s] generate model=%s", requestID, model)

		result, err := engine.Generate(r.Context(), model, body)
		if err != nil {
			log.Printf("❌ [%s] generate failed: %v", requestID, err)
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// StreamGenerateHandler serves POST /v1beta/models/{model}:streamGenerateContent.
// Frames are unwrapped to the public shape.
func StreamGenerateHandler(engine *gateway.Engine, maxBodyBytes int64) http.HandlerFunc {
	return streamHandler(engine, maxBodyBytes, true, func(r *http.Request) string {
		return chi.URLParam(r, "model")
	})
}

// AdminChatHandler serves POST /api/chat/stream for the admin console. The
// upstream frames pass through verbatim, envelope included.
func AdminChatHandler(engine *gateway.Engine, maxBodyBytes int64) http.HandlerFunc {
	return streamHandler(engine, maxBodyBytes, false, func(r *http.Request) string {
		return r.URL.Query().Get("model")
	})
}

func streamHandler(engine *gateway.Engine, maxBodyBytes int64, unwrap bool, modelFrom func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(w, r, maxBodyBytes)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := validateContents(body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		model := engine.ResolveModel(modelFrom(r))
		requestID := logging.GetRequestID(r.Context())
		log.Printf("📨 [%s] stream model=%s unwrap=%v", requestID, model, unwrap)

		err = engine.StreamGenerate(r.Context(), w, model, body, unwrap)
		if err == nil {
			return
		}
		if errors.Is(err, gateway.ErrStreamAborted) {
			// Headers are committed; the response was already ended cleanly.
			log.Printf("⚠️ [%s] stream aborted after commit", requestID)
			return
		}
		log.Printf("❌ [%s] stream failed: %v", requestID, err)
		writeEngineError(w, err)
	}
}
