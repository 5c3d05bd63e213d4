package ops

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/guildtools/guildgate/pkg/audit"
	"github.com/guildtools/guildgate/pkg/feature"
	"github.com/guildtools/guildgate/pkg/store"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type featureInfo struct {
	Key       string `json:"key"`
	Sensitive bool   `json:"sensitive"`
}

func (s *Server) listFeatures(w http.ResponseWriter, r *http.Request) {
	keys := feature.All()
	out := make([]featureInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, featureInfo{Key: k.String(), Sensitive: k.Sensitive()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildID"]

	perms, err := s.store.ListFeaturePermissions(r.Context(), guildID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if perms == nil {
		perms = []store.FeaturePermission{}
	}
	writeJSON(w, http.StatusOK, perms)
}

func (s *Server) getPermission(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	guildID := vars["guildID"]

	key, err := feature.Parse(vars["featureKey"])
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	perm, err := s.store.FeaturePermission(r.Context(), guildID, key.String())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if perm == nil {
		writeNotFound(w, "no permission configuration for this feature")
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (s *Server) getSecurity(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildID"]

	cfg, err := s.store.GuildSecurity(r.Context(), guildID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if cfg == nil {
		writeNotFound(w, "guild security has not been bootstrapped")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	guildID := mux.Vars(r)["guildID"]

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	format := audit.FormatJSON
	if raw := r.URL.Query().Get("format"); raw != "" {
		parsed, err := audit.ParseFormat(raw)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		format = parsed
	}

	entries, err := s.store.ListAudits(r.Context(), store.AuditQuery{GuildID: guildID, Limit: limit})
	if err != nil {
		writeInternalError(w, err)
		return
	}

	data, err := audit.Export(entries, format)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
