package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	version   = "" // Injected with a linker flag
	gitCommit = "" // Injected with a linker flag
	buildDate = "" // Injected with a linker flag
)

type Version struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate,omitempty"`
	// GitTreeDirty is only known when the binary was built from a checkout.
	GitTreeDirty bool   `json:"gitTreeDirty"`
	GoVersion    string `json:"goVersion"`
	Platform     string `json:"platform"`
}

func Get() Version {
	v := Version{
		Version:   version,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if v.GitCommit == "" {
					v.GitCommit = s.Value
				}
			case "vcs.time":
				if v.BuildDate == "" {
					v.BuildDate = s.Value
				}
			case "vcs.modified":
				v.GitTreeDirty = s.Value == "true"
			}
		}
	}
	if v.Version == "" || v.GitTreeDirty {
		v.Version = "devel"
		if len(v.GitCommit) >= 7 {
			v.Version += "+" + v.GitCommit[:7]
		} else {
			v.Version += "+unknown"
		}
		if v.GitTreeDirty {
			v.Version += ".dirty"
		}
	}
	return v
}
