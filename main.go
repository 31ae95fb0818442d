package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/logging"
	"github.com/Kkasuga904/sedori/internal/pipeline"
)

var version = "dev"

const configDir = "config"

// usageError maps to exit code 2; config errors map to exit code 1.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

type cliFlags struct {
	asin            string
	barcode         string
	purchaseCost    string
	inboundShipping string
	packaging       string
	storageFee      string
	taxes           string
	targetPrice     string
	fxSpreadBP      int64
	returnRate      string
	env             string
	logLevel        string
	decisionPath    string
	pretty          bool
	notifySlack     bool
	notifyLine      bool
	dryRun          bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+err.Error())
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}
	cmd := &cobra.Command{
		Use:           "amazon-sedori",
		Short:         "Decide whether a product is worth flipping on the marketplace",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.asin, "asin", "", "product ASIN")
	cmd.Flags().StringVar(&flags.barcode, "barcode", "", "product barcode (JAN/EAN)")
	cmd.Flags().StringVar(&flags.purchaseCost, "purchase-cost", "", "acquisition cost per unit (required)")
	cmd.Flags().StringVar(&flags.inboundShipping, "inbound-shipping", "", "override inbound shipping cost")
	cmd.Flags().StringVar(&flags.packaging, "packaging", "", "override packaging materials cost")
	cmd.Flags().StringVar(&flags.storageFee, "storage-fee", "", "override monthly storage fee")
	cmd.Flags().StringVar(&flags.taxes, "taxes", "", "additional taxes on top of the fee estimate")
	cmd.Flags().StringVar(&flags.targetPrice, "target-price", "", "explicit selling price")
	cmd.Flags().Int64Var(&flags.fxSpreadBP, "fx-spread-bp", -1, "override FX spread in basis points")
	cmd.Flags().StringVar(&flags.returnRate, "return-rate", "", "override expected return rate")
	cmd.Flags().StringVar(&flags.env, "env", "", "environment overlay under config/env/")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: DEBUG, INFO, WARNING, ERROR")
	cmd.Flags().StringVar(&flags.decisionPath, "decision-path", "", "write the decision document to this file")
	cmd.Flags().BoolVar(&flags.pretty, "pretty", false, "pretty-print the decision document")
	cmd.Flags().BoolVar(&flags.notifySlack, "notify-slack", false, "send a Slack notification on buy")
	cmd.Flags().BoolVar(&flags.notifyLine, "notify-line", false, "send a LINE notification on buy")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "skip notifications and spreadsheet append")

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})
	return cmd
}

func run(cmd *cobra.Command, flags *cliFlags) error {
	params, err := buildParams(flags)
	if err != nil {
		return err
	}

	settings, err := config.Load(configDir, flags.env)
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		if !validLogLevel(flags.logLevel) {
			return &usageError{msg: "invalid --log-level: " + flags.logLevel}
		}
	}
	logger := logging.Setup(settings.Observability, flags.logLevel, settings.SecretsForRedaction())

	agent := pipeline.NewAgent(settings, logger)
	doc, err := agent.Run(cmd.Context(), *params)
	if err != nil {
		return err
	}

	var data []byte
	if flags.pretty {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func buildParams(flags *cliFlags) (*pipeline.RunParams, error) {
	if (flags.asin == "") == (flags.barcode == "") {
		return nil, &usageError{msg: "exactly one of --asin or --barcode is required"}
	}
	if flags.purchaseCost == "" {
		return nil, &usageError{msg: "--purchase-cost is required"}
	}
	purchaseCost, err := parseDecimal("purchase-cost", flags.purchaseCost)
	if err != nil {
		return nil, err
	}

	params := &pipeline.RunParams{
		ASIN:         flags.asin,
		Barcode:      flags.barcode,
		PurchaseCost: *purchaseCost,
		NotifySlack:  flags.notifySlack,
		NotifyLine:   flags.notifyLine,
		DryRun:       flags.dryRun,
		DecisionPath: flags.decisionPath,
	}

	for _, opt := range []struct {
		name  string
		value string
		dst   **decimal.Decimal
	}{
		{"inbound-shipping", flags.inboundShipping, &params.InboundShipping},
		{"packaging", flags.packaging, &params.Packaging},
		{"storage-fee", flags.storageFee, &params.StorageFee},
		{"taxes", flags.taxes, &params.Taxes},
		{"target-price", flags.targetPrice, &params.TargetPrice},
		{"return-rate", flags.returnRate, &params.ReturnRate},
	} {
		if opt.value == "" {
			continue
		}
		parsed, err := parseDecimal(opt.name, opt.value)
		if err != nil {
			return nil, err
		}
		*opt.dst = parsed
	}

	if flags.fxSpreadBP >= 0 {
		bp := flags.fxSpreadBP
		params.FXSpreadBP = &bp
	}
	return params, nil
}

func parseDecimal(name, value string) (*decimal.Decimal, error) {
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return nil, &usageError{msg: fmt.Sprintf("invalid --%s value %q", name, value)}
	}
	return &parsed, nil
}

func validLogLevel(level string) bool {
	switch level {
	case "DEBUG", "INFO", "WARNING", "ERROR":
		return true
	}
	return false
}
