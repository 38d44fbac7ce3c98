/*
Copyright 2024 Leadline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package main provides the leadline CLI: the API server, the queue workers
// and the database migrations.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/leadline-hq/leadline"
	"github.com/leadline-hq/leadline/config"
	"github.com/leadline-hq/leadline/database"
	"github.com/leadline-hq/leadline/driver"
	"github.com/leadline-hq/leadline/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Leadline represents the CLI application, encapsulating the root Cobra command.
type Leadline struct {
	cmd *cobra.Command
}

// leadlineInstance holds the runtime engine, its supervisor and the loaded
// configuration, shared by all subcommands.
type leadlineInstance struct {
	engine     *leadline.Leadline
	supervisor *leadline.Supervisor
	cnf        *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the engine before running
// any command.
func preRun(app *leadlineInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("leadline.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, supervisor, err := setupLeadline(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.engine = engine
		app.supervisor = supervisor
		app.cnf = cnf

		return nil
	}
}

// setupLeadline wires the engine from configuration: the postgres job store,
// the browser bridge driver and the supervisor on top of both.
func setupLeadline(cfg *config.Configuration) (*leadline.Leadline, *leadline.Supervisor, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting datasource: %v", err)
	}

	engine, err := leadline.NewLeadline(db, driver.NewBridgeDriver(cfg.Driver))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating leadline: %v", err)
	}
	return engine, leadline.NewSupervisor(engine), nil
}

// NewCLI creates the command-line interface for the leadline application.
func NewCLI() *Leadline {
	var configFile string
	b := &leadlineInstance{}

	var rootCmd = &cobra.Command{
		Use:   "leadline",
		Short: "Workflow engine for outreach campaigns",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./leadline.json", "Configuration file for leadline")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(configCommands())

	return &Leadline{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Leadline) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
