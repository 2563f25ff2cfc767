package handlers

import (
	"encoding/json"
	"net/http"
)

// Build metadata, set by settlementd at startup from its LDFLAGS vars.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// VersionResponse contains the build version info.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetVersion returns the deployed build version.
func GetVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(VersionResponse{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	})
}
