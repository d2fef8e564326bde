package main

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/frewsxcv/ichnaea/config"
	"github.com/frewsxcv/ichnaea/database"
	"github.com/frewsxcv/ichnaea/middleware/dbsession"
	"github.com/frewsxcv/ichnaea/middleware/ratelimit"
)

// Limite do corpo das requisições de API.
const maxBodyBytes = 1 << 20

type cellKey struct {
	Radio string `json:"radio" db:"radio"`
	MCC   int    `json:"mcc" db:"mcc"`
	MNC   int    `json:"mnc" db:"mnc"`
	LAC   int    `json:"lac" db:"lac"`
	CID   int64  `json:"cid" db:"cid"`
}

func (k cellKey) valid() bool {
	switch k.Radio {
	case "gsm", "umts", "lte":
	default:
		return false
	}
	return k.MCC > 0 && k.MCC < 1000 && k.MNC >= 0 && k.LAC >= 0 && k.CID >= 0
}

type cellObservation struct {
	cellKey
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (o cellObservation) valid() bool {
	return o.cellKey.valid() &&
		o.Lat >= -90 && o.Lat <= 90 &&
		o.Lon >= -180 && o.Lon <= 180
}

type submitRequest struct {
	Items []cellObservation `json:"items"`
}

type searchRequest struct {
	Cell []cellKey `json:"cell"`
}

type searchResponse struct {
	Status   string  `json:"status"`
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`
	Accuracy int     `json:"accuracy,omitempty"`
}

// Média incremental: cada observação nova pesa 1/(n+1).
var cellUpsert = database.Insert{
	Table:           "cell",
	Columns:         []string{"radio", "mcc", "mnc", "lac", "cid", "lat", "lon", "total_measures"},
	ConflictColumns: []string{"radio", "mcc", "mnc", "lac", "cid"},
}

func cellInsert(d database.Dialect) database.Insert {
	var ins = cellUpsert
	ins.OnDuplicate = "lat = (cell.lat * cell.total_measures + " + d.Excluded("lat") + ") / (cell.total_measures + 1), " +
		"lon = (cell.lon * cell.total_measures + " + d.Excluded("lon") + ") / (cell.total_measures + 1), " +
		"total_measures = cell.total_measures + 1"
	return ins
}

func newHandler(cfg *config.Config, cluster *database.Cluster, st *stores) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/v1/submit", handleSubmit)
	api.HandleFunc("/v1/search", handleSearch)

	var h http.Handler = dbsession.Middleware(dbsession.Options{Cluster: cluster})(api)

	rl := cfg.RateLimit
	if rl.Enabled {
		h = ratelimit.Middleware(ratelimit.Options{
			Store:               st.counters,
			Stats:               st.stats,
			MaxRequests:         rl.MaxRequests,
			Window:              rl.Window(),
			KeyLimits:           rl.KeyLimits,
			KeyParam:            rl.KeyParam,
			KeyHeader:           rl.KeyHeader,
			TrustXForwardedFor:  rl.TrustXFF,
			AddRateLimitHeaders: rl.AddHeaders,
		})(h)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", h)
	mux.Handle("/__heartbeat", heartbeat(cluster))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Debug("writing response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

// sessionError responde a uma falha de checkout/sessão.
func sessionError(w http.ResponseWriter, r *http.Request, err error) {
	status := dbsession.StatusFor(err)
	log.WithFields(log.Fields{"err": err, "path": r.URL.Path, "status": status}).Warn("database session")
	writeError(w, status, strings.ToLower(http.StatusText(status)))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}

	var items []cellObservation
	for _, it := range req.Items {
		if it.valid() {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		writeError(w, http.StatusBadRequest, "no valid items")
		return
	}

	ctx := r.Context()
	session, err := dbsession.FromContext(ctx).Master(ctx)
	if err != nil {
		sessionError(w, r, err)
		return
	}

	ins := cellInsert(session.Dialect())
	for _, it := range items {
		if _, err := session.Upsert(ctx, ins, it.Radio, it.MCC, it.MNC, it.LAC, it.CID, it.Lat, it.Lon, 1); err != nil {
			sessionError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type cellRow struct {
	Lat float64 `db:"lat"`
	Lon float64 `db:"lon"`
}

func handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}

	var keys []cellKey
	for _, k := range req.Cell {
		if k.valid() {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "no valid cells")
		return
	}

	ctx := r.Context()
	session, err := dbsession.FromContext(ctx).Replica(ctx)
	if err != nil {
		sessionError(w, r, err)
		return
	}

	var lat, lon float64
	var found int
	for _, k := range keys {
		var row cellRow
		err := session.Get(ctx, &row,
			"SELECT lat, lon FROM cell WHERE radio = ? AND mcc = ? AND mnc = ? AND lac = ? AND cid = ?",
			k.Radio, k.MCC, k.MNC, k.LAC, k.CID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		} else if err != nil {
			sessionError(w, r, err)
			return
		}
		lat += row.Lat
		lon += row.Lon
		found++
	}

	if found == 0 {
		writeJSON(w, http.StatusOK, searchResponse{Status: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Status:   "ok",
		Lat:      lat / float64(found),
		Lon:      lon / float64(found),
		Accuracy: 35000,
	})
}

// heartbeat pinga master e replica sem abrir sessão.
func heartbeat(cluster *database.Cluster) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := cluster.Ping(r.Context()); err != nil {
			log.WithField("err", err).Warn("heartbeat failed")
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
