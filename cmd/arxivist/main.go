package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "arxivist",
		Short: "Multi-stage research pipeline over arXiv and the web",
	}
	root.AddCommand(serveCMD(), workerCMD(), migrateCMD(), researchCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
