package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/vibe/internal/knowledge"
)

func buildIngestCmd() *cobra.Command {
	var serverURL, sessionID string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Upload text or markdown files into a running server's knowledge index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 2 * time.Minute}
			endpoint := strings.TrimRight(serverURL, "/") + "/upload"
			failed := 0
			for _, path := range args {
				h, err := uploadFile(cmd.Context(), client, endpoint, path, sessionID)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "✗ %s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s (%d chunks, id %s)\n", path, h.Chunks, h.ID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the vibe server")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to tag the documents with")
	return cmd
}

func uploadFile(ctx context.Context, client *http.Client, endpoint, path, sessionID string) (knowledge.Handle, error) {
	var h knowledge.Handle

	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return h, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return h, err
	}
	if sessionID != "" {
		if err := mw.WriteField("session_id", sessionID); err != nil {
			return h, err
		}
	}
	if err := mw.Close(); err != nil {
		return h, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return h, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return h, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return h, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode response: %w", err)
	}
	return h, nil
}
