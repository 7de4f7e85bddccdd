/*
Copyright 2024 The aargh64 Authors.

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

package main

import (
	"flag"
	"fmt"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/akquinet/aargh64/pkg/di"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to the YAML configuration file. Environment variables prefixed AARGH64_ override it.")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration.")
		showVersion = flag.Bool("version", false, "Show version information and exit.")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("aargh64 webhook\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx := ctrl.SetupSignalHandler()

	app, err := di.NewApplicationBuilder().
		WithConfigFile(*configFile).
		WithLogLevel(*logLevel).
		Build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build application: %v\n", err)
		os.Exit(1)
	}

	setupLog := app.Logger.WithName("setup")
	setupLog.Info("Starting aargh64 webhook",
		"version", version,
		"commit", commit,
		"buildDate", buildDate,
		"config", *configFile,
	)

	if err := app.Start(ctx); err != nil {
		setupLog.Error(err, "failed to run webhook")
		os.Exit(1)
	}

	if err := app.Stop(ctx); err != nil {
		setupLog.Error(err, "failed to stop webhook")
		os.Exit(1)
	}
}
