package config

import (
	"flag"
	"fmt"
	"os"
)

// ParseFlags parses command line flags and returns the config file path
func ParseFlags() (configFile string, generateConfig bool, err error) {
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.BoolVar(&generateConfig, "generate-config", false, "Generate example configuration file")

	// Add help flag
	help := flag.Bool("help", false, "Show help")

	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	if generateConfig {
		return "", true, nil
	}

	return configFile, false, nil
}

// GenerateExampleConfig prints guidance for setting up a configuration file
func GenerateExampleConfig() error {
	fmt.Println("A configuration template ships with the project:")
	fmt.Println("- config-example.yaml - Template configuration file")
	fmt.Println("")
	fmt.Println("To customize for your environment:")
	fmt.Println("1. Copy config-example.yaml to config-development.yaml")
	fmt.Println("2. Edit config-development.yaml with your settings")
	fmt.Println("3. Start the server with --config config-development.yaml")
	fmt.Println("")
	fmt.Println("Note: Environment variables override any YAML setting (see the env tags in internal/config).")
	return nil
}
