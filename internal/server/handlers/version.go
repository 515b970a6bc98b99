package handlers

import (
	"net/http"
	"runtime"
	"sync"
)

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{
		Version:   "dev",
		Commit:    "HEAD",
		BuildDate: "unknown",
		GoVersion: runtime.Version(),
	}
)

// SetVersion records the build metadata main injects at link time.
func SetVersion(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	if version != "" {
		versionInfo.Version = version
	}
	if commit != "" {
		versionInfo.Commit = commit
	}
	if buildDate != "" {
		versionInfo.BuildDate = buildDate
	}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()
	writeJSON(w, http.StatusOK, info)
}
