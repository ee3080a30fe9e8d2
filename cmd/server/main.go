package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:          "ragchat",
		Short:        "RAG chat backend: retrieval, streamed answers, versioned chat history",
		SilenceUsage: true,
	}

	root.AddCommand(serveCMD(), migrateCMD(), configCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
