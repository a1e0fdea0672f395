package health

import (
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

type BuildInfo struct {
	Commit    string
	Branch    string
	BuildTime time.Time
	GoVersion string
	Modified  bool
}

var buildInfoPaths = []string{
	"build.info",
	"/app/build.info",
	"/etc/sai-edge/build.info",
}

// getBuildInfo renders "commit@branch (date, go version)". The commit comes
// from EDGE_BUILD_COMMIT, then a build.info file, then the VCS stamp the Go
// toolchain embeds.
func getBuildInfo() string {
	info := readBuildInfo()

	commit := info.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if info.Modified {
		commit += "-dirty"
	}

	var b strings.Builder
	b.WriteString(commit)
	if info.Branch != "" {
		b.WriteByte('@')
		b.WriteString(info.Branch)
	}

	b.WriteString(" (")
	if !info.BuildTime.IsZero() {
		b.WriteString(info.BuildTime.Format("2006-01-02"))
		b.WriteString(", ")
	}
	b.WriteString(info.GoVersion)
	b.WriteByte(')')

	return b.String()
}

func readBuildInfo() *BuildInfo {
	info := &BuildInfo{
		Commit:    "unknown",
		GoVersion: runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Commit = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = t
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}

	for _, path := range buildInfoPaths {
		if data, err := os.ReadFile(path); err == nil {
			parseBuildInfoFile(string(data), info)
			break
		}
	}

	if commit := os.Getenv("EDGE_BUILD_COMMIT"); commit != "" {
		info.Commit = commit
	}
	if branch := os.Getenv("EDGE_BUILD_BRANCH"); branch != "" {
		info.Branch = branch
	}

	return info
}

// parseBuildInfoFile reads KEY=VALUE lines written by the release pipeline.
func parseBuildInfoFile(content string, info *BuildInfo) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "GIT_COMMIT":
			info.Commit = value
		case "GIT_BRANCH":
			info.Branch = value
		case "BUILD_TIME":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.BuildTime = t
			}
		}
	}
}
