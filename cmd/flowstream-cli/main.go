// Flowstream CLI: инструмент командной строки для запуска flows
// и наблюдения за их tasks через HTTP API.
//
// Использование:
//
//	flowstream [--api-url URL] [--json] <command> [subcommand] [flags]
//
// Команды:
//
//	session   Управление parent sessions
//	launch    Запуск flows из файла
//	task      Управление tasks
//	view      Проекция активной сессии
//	watch     Поток изменений проекции
//	stats     Состояние оркестратора
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Flowstream/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "flowstream",
		Short:         "Flowstream CLI, live browser automation task streams",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("FLOWSTREAM_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewSessionCmd(clientFn, outputFn),
		cli.NewLaunchCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewViewCmd(clientFn, outputFn),
		cli.NewWatchCmd(clientFn, outputFn),
		cli.NewStatsCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
