package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"flm/internal/engine"
)

func newEnginesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "Detect and inspect LLM engines",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "detect",
		Short: "Detect installed and running engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.engineService()
			if err != nil {
				return err
			}
			states := svc.DetectEngines(cmd.Context())
			if db, err := a.openConfigDB(); err == nil {
				for _, st := range states {
					if err := db.SaveEngineState(cmd.Context(), st); err != nil {
						break
					}
				}
			}
			return a.printResult(states, func() {
				if len(states) == 0 {
					fmt.Println("no engines detected")
					return
				}
				for _, st := range states {
					fmt.Printf("%-18s %-9s %-16s", st.ID, st.Kind, st.Health.State)
					if st.Health.LatencyMs > 0 {
						fmt.Printf(" %4dms", st.Health.LatencyMs)
					}
					if st.Version != "" {
						fmt.Printf("  %s", st.Version)
					}
					if st.Health.Reason != "" {
						fmt.Printf("  (%s)", st.Health.Reason)
					}
					fmt.Println()
				}
			})
		},
	})
	return cmd
}

func newModelsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models exposed by detected engines",
	}
	var engineID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List available models",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.engineService()
			if err != nil {
				return err
			}
			models, err := svc.ListModels(cmd.Context(), engineID)
			if err != nil {
				return err
			}
			return a.printResult(models, func() {
				if len(models) == 0 {
					fmt.Println("no models available")
					return
				}
				for _, m := range models {
					fmt.Println(m.ID)
				}
			})
		},
	}
	list.Flags().StringVar(&engineID, "engine", "", "restrict the listing to one engine id")
	cmd.AddCommand(list)
	return cmd
}

func newChatCommand(a *app) *cobra.Command {
	var (
		modelID     string
		prompt      string
		system      string
		stream      bool
		temperature float64
		maxTokens   int
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a single chat completion to a local engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if modelID == "" || prompt == "" {
				return errConfig("--model and --prompt are required")
			}
			engineID, _, err := engine.ParseModelID(modelID)
			if err != nil {
				return errConfig("%v", err)
			}

			svc, err := a.engineService()
			if err != nil {
				return err
			}
			svc.RegisterDetected(ctx)

			req := engine.ChatRequest{
				EngineID:  engineID,
				ModelID:   modelID,
				Stream:    stream,
				MaxTokens: maxTokens,
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if system != "" {
				req.Messages = append(req.Messages, engine.Message{Role: engine.RoleSystem, Content: system})
			}
			req.Messages = append(req.Messages, engine.Message{Role: engine.RoleUser, Content: prompt})

			if stream {
				items, err := svc.ChatStream(ctx, req)
				if err != nil {
					return err
				}
				var b strings.Builder
				for item := range items {
					if item.Err != nil {
						fmt.Fprintln(os.Stderr)
						return item.Err
					}
					if a.format != "json" {
						fmt.Print(item.Chunk.Delta.Content)
						os.Stdout.Sync()
					}
					b.WriteString(item.Chunk.Delta.Content)
				}
				if a.format == "json" {
					return a.printResult(map[string]string{"content": b.String()}, func() {})
				}
				fmt.Println()
				return nil
			}

			resp, err := svc.Chat(ctx, req)
			if err != nil {
				return err
			}
			return a.printResult(resp, func() {
				fmt.Println(resp.Message.Content)
			})
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "model id (flm://<engine>/<name>)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "user prompt")
	cmd.Flags().StringVar(&system, "system", "", "optional system prompt")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream tokens as they arrive")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum tokens to generate")
	return cmd
}
