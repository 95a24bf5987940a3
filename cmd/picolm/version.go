package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/picolm/internal/quant"
	"github.com/samcharles93/picolm/internal/version"
)

type versionReport struct {
	Version   string   `json:"version"`
	Commit    string   `json:"commit,omitempty"`
	BuildTime string   `json:"build_time,omitempty"`
	Modified  bool     `json:"modified,omitempty"`
	Go        string   `json:"go"`
	Platform  string   `json:"platform"`
	Kinds     []string `json:"kinds"`
}

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print version and build information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			rep := versionReport{
				Version:   info.Version,
				Commit:    info.Commit,
				BuildTime: info.BuildTime,
				Modified:  info.Modified,
				Go:        runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			for _, k := range quant.Kinds() {
				if k.Supported() {
					rep.Kinds = append(rep.Kinds, k.String())
				}
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Printf("version:    %s\n", rep.Version)
			if rep.Commit != "" {
				fmt.Printf("commit:     %s\n", rep.Commit)
			}
			if rep.BuildTime != "" {
				fmt.Printf("built:      %s\n", rep.BuildTime)
			}
			fmt.Printf("go:         %s %s\n", rep.Go, rep.Platform)
			fmt.Printf("kinds:      %s\n", strings.Join(rep.Kinds, " "))
			return nil
		},
	}
}
