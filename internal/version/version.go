// Package version reports build metadata.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X metanotify/internal/version.Version=...".
var Version = "dev"
var Built = ""
var GitCommit = ""

type Info struct {
	Version   string `json:"version"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the linked build metadata. When the commit or build time were
// not injected, the VCS settings recorded by the Go toolchain are used.
func Get() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Built:     strings.TrimSpace(Built),
		GitCommit: strings.TrimSpace(GitCommit),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.GitCommit != "" && info.Built != "" {
		return info
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	fillFromBuildSettings(&info, build.Settings)
	return info
}

func fillFromBuildSettings(info *Info, settings []debug.BuildSetting) {
	for _, setting := range settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "" {
				info.GitCommit = shortCommit(setting.Value)
			}
		case "vcs.time":
			if info.Built == "" {
				info.Built = setting.Value
			}
		}
	}
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

// String renders the one-line form printed by the version command.
func (info Info) String() string {
	var builder strings.Builder
	builder.WriteString("metanotify ")
	builder.WriteString(info.Version)
	if info.GitCommit != "" {
		builder.WriteString(" (")
		builder.WriteString(info.GitCommit)
		builder.WriteString(")")
	}
	if info.Built != "" {
		builder.WriteString(" built ")
		builder.WriteString(info.Built)
	}
	return builder.String()
}
