package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarry-ai/quarry/internal/parser"
	"github.com/quarry-ai/quarry/internal/pipeline"
)

var ingestMIME string

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Index documents from files or directories",
	Long: `Parses, chunks, embeds and indexes the given documents. Directories are
walked recursively, picking up files with a supported extension. Re-ingesting
unchanged content is a no-op; changed content supersedes the previous
version.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestMIME, "mime", "", "force a MIME type for explicitly listed files")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	requests, err := gatherRequests(args, ingestMIME)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		cmd.Println("No ingestable files found.")
		return nil
	}

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	start := time.Now()
	results, batchErr := app.ingestor.IngestBatch(ctx, requests)

	var accepted, rejected, failed int
	for i := range results {
		uri := requests[i].SourceURI
		switch {
		case results[i].Err != nil:
			failed++
			cmd.Printf("  error     %s: %v\n", uri, results[i].Err)
		case results[i].Receipt.Status == pipeline.IngestRejected:
			rejected++
			cmd.Printf("  rejected  %s (%s)\n", uri, results[i].Receipt.Reason)
		case results[i].Receipt.Reason != "":
			accepted++
			cmd.Printf("  ok        %s (%s)\n", uri, results[i].Receipt.Reason)
		default:
			accepted++
			cmd.Printf("  ok        %s\n", uri)
		}
	}

	cmd.Printf("\n%d ingested, %d rejected, %d failed in %s\n",
		accepted, rejected, failed, time.Since(start).Round(time.Millisecond))
	return batchErr
}

// gatherRequests expands the given paths into ingest requests. Explicit
// files are always included, so the pipeline can report an unsupported one;
// directory walks keep only files the parser recognizes and skip hidden
// directories.
func gatherRequests(paths []string, forcedMIME string) ([]pipeline.IngestRequest, error) {
	var requests []pipeline.IngestRequest

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			req, err := fileRequest(p, forcedMIME)
			if err != nil {
				return nil, err
			}
			requests = append(requests, req)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !parser.Supported("", path) {
				return nil
			}
			req, err := fileRequest(path, "")
			if err != nil {
				return err
			}
			requests = append(requests, req)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return requests, nil
}

func fileRequest(path, mimeType string) (pipeline.IngestRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.IngestRequest{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return pipeline.IngestRequest{SourceURI: abs, MIMEType: mimeType, Data: data}, nil
}
