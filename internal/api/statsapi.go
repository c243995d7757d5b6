package api

import (
	"net/http"

	"github.com/snarg/busiq/internal/stats"
)

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := stats.Summarize(s.deps.StatsPath)
	if err != nil {
		s.log.Error().Err(err).Msg("stats summary failed")
		WriteError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	WriteData(w, http.StatusOK, summary)
}
