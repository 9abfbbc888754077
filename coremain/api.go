package coremain

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/appejv/querycache/pkg/offline"
	"github.com/appejv/querycache/pkg/qkey"
	"github.com/appejv/querycache/pkg/query"
)

type queryResponse struct {
	Key       string          `json:"key"`
	Status    query.Status    `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Offline   bool            `json:"offline"`
	FromStore bool            `json:"from_store"`
	FetchedAt *time.Time      `json:"fetched_at,omitempty"`
}

// keyFromPath parses "/query/sector/7" into ["sector", 7].
func keyFromPath(path, prefix string) (qkey.Key, bool) {
	p := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if len(p) == 0 {
		return qkey.Key{}, false
	}
	k := qkey.Parse(strings.Split(p, "/")...)
	return k, k.Err() == nil
}

func (a *App) handleQuery(w http.ResponseWriter, req *http.Request) {
	k, ok := keyFromPath(req.URL.Path, "/query/")
	if !ok {
		http.Error(w, "invalid query key", http.StatusBadRequest)
		return
	}
	a.writeResult(w, k, a.Read(req.Context(), k))
}

func (a *App) handleRefresh(w http.ResponseWriter, req *http.Request) {
	k, ok := keyFromPath(req.URL.Path, "/refresh/")
	if !ok {
		http.Error(w, "invalid query key", http.StatusBadRequest)
		return
	}
	a.writeResult(w, k, a.Refresh(req.Context(), k))
}

func (a *App) handleBust(w http.ResponseWriter, req *http.Request) {
	k, ok := keyFromPath(req.URL.Path, "/store/")
	if !ok {
		http.Error(w, "invalid query key", http.StatusBadRequest)
		return
	}
	a.Bust(req.Context(), k)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) writeResult(w http.ResponseWriter, k qkey.Key, r offline.Result[json.RawMessage]) {
	resp := queryResponse{
		Key:       k.String(),
		Status:    r.Status,
		Offline:   r.IsOffline,
		FromStore: r.FromStore,
	}
	if r.HasData {
		resp.Data = r.Data
	}
	if !r.FetchedAt.IsZero() {
		t := r.FetchedAt
		resp.FetchedAt = &t
	}
	if r.Err != nil {
		resp.Error = r.Err.Error()
	}

	code := http.StatusOK
	switch {
	case r.HasData:
	case errors.Is(r.Err, offline.ErrNoOfflineData):
		code = http.StatusServiceUnavailable
	case r.Err != nil:
		code = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Debug("failed to write api response", zap.Error(err))
	}
}
