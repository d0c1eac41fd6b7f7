package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-ai/quarry/internal/models"
	"github.com/quarry-ai/quarry/internal/pipeline"
)

var (
	queryK       int
	queryStream  bool
	queryJSON    bool
	querySources bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a question over the indexed documents",
	Long: `Retrieves the most relevant chunks with hybrid lexical and vector search,
builds a grounded prompt and generates an answer citing the chunks it drew
on.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&queryK, "top-k", "k", 0, "number of chunks to retrieve (0 uses the configured default)")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "stream the answer as it is generated")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output the full response as JSON")
	queryCmd.Flags().BoolVar(&querySources, "sources", false, "show the chunks the answer was grounded on")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	question := strings.Join(args, " ")

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// JSON output needs the complete answer, so it never streams.
	if queryStream && !queryJSON {
		return streamAnswer(ctx, cmd, a, question)
	}

	resp, err := a.querier.Query(ctx, pipeline.QueryRequest{Text: question, K: queryK})
	if err != nil {
		return err
	}

	if queryJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(resp.Answer.Text)
	if querySources {
		printSources(cmd, resp.Retrieval)
	}
	return nil
}

func streamAnswer(ctx context.Context, cmd *cobra.Command, a *app, question string) error {
	st, err := a.querier.QueryStream(ctx, pipeline.QueryRequest{Text: question, K: queryK})
	if err != nil {
		return err
	}

	for ev := range st.Events {
		if ev.Err != nil {
			cmd.Println()
			return ev.Err
		}
		cmd.Print(ev.Delta)
	}
	cmd.Println()

	if querySources {
		printSources(cmd, st.Retrieval)
	}
	return nil
}

func printSources(cmd *cobra.Command, res *models.RetrievalResult) {
	if res == nil || len(res.Results) == 0 {
		cmd.Println("\nNo supporting chunks were retrieved.")
		return
	}

	cmd.Println("\nSources:")
	for i := range res.Results {
		sc := &res.Results[i]
		source := sc.Chunk.Metadata["source"]
		if source == "" {
			source = sc.Chunk.DocumentID.String()
		}
		cmd.Printf("  [%d] %.3f  %s#%d\n", i+1, sc.Score, source, sc.Chunk.SequenceIndex)
	}
}
