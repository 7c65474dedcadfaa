// Package cli holds flag helpers shared by the metanotify commands.
package cli

import (
	"flag"
	"strings"
)

const (
	defaultHelpDesc    = "Show help"
	defaultVersionDesc = "Print version and exit"
)

type HelpVersionFlags struct {
	Help    bool
	Version bool
}

func AddHelpVersionFlags(fs *flag.FlagSet, helpDesc, versionDesc string) *HelpVersionFlags {
	if fs == nil {
		return &HelpVersionFlags{}
	}
	if helpDesc == "" {
		helpDesc = defaultHelpDesc
	}
	if versionDesc == "" {
		versionDesc = defaultVersionDesc
	}
	flags := &HelpVersionFlags{}
	fs.BoolVar(&flags.Help, "help", false, helpDesc)
	fs.BoolVar(&flags.Help, "h", false, helpDesc)
	fs.BoolVar(&flags.Version, "version", false, versionDesc)
	fs.BoolVar(&flags.Version, "v", false, versionDesc)
	return flags
}

// StringList collects values given either comma separated or by repeating
// the flag. Blank items are dropped.
type StringList []string

func (list *StringList) String() string {
	if list == nil {
		return ""
	}
	return strings.Join(*list, ",")
}

func (list *StringList) Set(value string) error {
	*list = append(*list, SplitList(value)...)
	return nil
}

// SplitList splits a comma separated value and trims each item.
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// Visited returns the names of the flags given on the command line.
func Visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	if fs == nil {
		return set
	}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}
