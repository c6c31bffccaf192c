package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loanflow/internal/explain"
	"loanflow/internal/kyc"
	"loanflow/internal/llm"
	"loanflow/internal/loan/models"
	"loanflow/internal/loan/service"
	"loanflow/internal/loan/store"
	"loanflow/internal/platform/config"
	"loanflow/internal/platform/logger"
	"loanflow/internal/underwriting"
)

// policyFlags are shared by the commands that run the evaluator.
type policyFlags struct {
	policy     string
	policyFile string
	threshold  float64
	maxLTI     float64
	rate       float64
	years      int
}

func (p *policyFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&p.policy, "policy", "", "underwriting policy: emi_coverage or loan_to_income")
	f.StringVar(&p.policyFile, "policy-file", "", "YAML policy file applied before the flags")
	f.Float64Var(&p.threshold, "threshold", 0, "minimum income-to-EMI ratio")
	f.Float64Var(&p.maxLTI, "max-loan-to-income", 0, "maximum amount-to-income ratio")
	f.Float64Var(&p.rate, "rate", -1, "annual interest rate, e.g. 0.12")
	f.IntVar(&p.years, "years", 0, "default tenure in years")
}

func (p *policyFlags) config() (underwriting.Config, error) {
	cfg := underwriting.DefaultConfig()
	if p.policyFile != "" {
		if err := config.LoadPolicyFile(p.policyFile, &cfg); err != nil {
			return cfg, err
		}
	}
	if p.policy != "" {
		cfg.Policy = underwriting.Policy(strings.ToLower(p.policy))
	}
	if p.threshold > 0 {
		cfg.RatioThreshold = p.threshold
	}
	if p.maxLTI > 0 {
		cfg.MaxLoanToIncome = p.maxLTI
	}
	if p.rate >= 0 {
		cfg.AnnualRate = p.rate
	}
	if p.years > 0 {
		cfg.TenureYears = p.years
	}
	return cfg, cfg.Validate()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loanctl",
		Short:         "Offline loan evaluation tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newEMICmd(), newKYCCmd(), newUnderwriteCmd(), newEvaluateCmd())
	return root
}

func newEMICmd() *cobra.Command {
	var (
		principal float64
		rate      float64
		years     int
		months    int
	)
	cmd := &cobra.Command{
		Use:   "emi",
		Short: "Print the monthly installment for a principal, rate and tenure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if principal <= 0 {
				return errors.New("--principal must be positive")
			}
			if months <= 0 {
				months = years * 12
			}
			if months <= 0 {
				return errors.New("--years or --months must be positive")
			}
			emi := underwriting.CalculateEMIMonths(principal, rate, months)
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", emi)
			return err
		},
	}
	cmd.Flags().Float64Var(&principal, "principal", 0, "loan amount")
	cmd.Flags().Float64Var(&rate, "rate", underwriting.DefaultAnnualRate, "annual interest rate")
	cmd.Flags().IntVar(&years, "years", underwriting.DefaultTenureYears, "tenure in years")
	cmd.Flags().IntVar(&months, "months", 0, "tenure in months, overrides --years")
	return cmd
}

func newKYCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kyc <pan>",
		Short: "Check a PAN against the identity number format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := kyc.CheckPAN(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Normalized, res.Log)
			if !res.Valid {
				return fmt.Errorf("pan %q is not valid", res.Normalized)
			}
			return nil
		},
	}
}

type underwriteOutput struct {
	Policy     underwriting.Policy   `json:"policy"`
	Decision   underwriting.Decision `json:"decision"`
	EMI        float64               `json:"emi"`
	Ratio      float64               `json:"ratio"`
	Threshold  float64               `json:"threshold"`
	ReasonCode string                `json:"reason_code"`
	Summary    string                `json:"summary"`
}

func newUnderwriteCmd() *cobra.Command {
	var (
		pf     policyFlags
		income float64
		amount float64
		tenure int
	)
	cmd := &cobra.Command{
		Use:   "underwrite",
		Short: "Run the underwriting evaluator for one income and amount",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := pf.config()
			if err != nil {
				return err
			}
			res := underwriting.NewEvaluator(cfg).Evaluate(underwriting.Input{
				Income:       income,
				Amount:       amount,
				TenureMonths: tenure,
			})
			return writeJSON(cmd.OutOrStdout(), underwriteOutput{
				Policy:     res.Policy,
				Decision:   res.Decision,
				EMI:        round2(res.EMI),
				Ratio:      round2(res.Ratio),
				Threshold:  res.Threshold,
				ReasonCode: res.ReasonCode,
				Summary:    res.Summary,
			})
		},
	}
	pf.bind(cmd)
	cmd.Flags().Float64Var(&income, "income", 0, "monthly income")
	cmd.Flags().Float64Var(&amount, "amount", 0, "requested amount")
	cmd.Flags().IntVar(&tenure, "tenure", 0, "tenure in months (0 uses the policy default)")
	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var (
		pf      policyFlags
		file    string
		useLLM  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the full pipeline for an application read from a JSON file or stdin",
		Long: `Reads an application ({"name","pan","income","amount",...}) and runs
submission, KYC, underwriting and text generation exactly as the server does,
then prints the final loan record. Without --llm the explanation uses the
fixed fallback sentence.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := pf.config()
			if err != nil {
				return err
			}
			data, err := readApplication(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			log := slog.New(slog.NewTextHandler(io.Discard, nil))
			if verbose {
				log = logger.NewWithWriter(cmd.ErrOrStderr(), "debug", "text")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := evaluateLLM(ctx, useLLM, log)
			if err != nil {
				return err
			}

			svc := service.New(store.NewInMemoryStore(), underwriting.NewEvaluator(cfg),
				explain.New(client, explain.WithLogger(log)),
				service.WithLogger(log),
			)
			loan, err := svc.Create(ctx, data)
			if err != nil {
				return err
			}
			if err := svc.Run(ctx, loan.ID); err != nil {
				return err
			}
			final, err := svc.Get(ctx, loan.ID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), final)
		},
	}
	pf.bind(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "-", "application JSON file, - for stdin")
	cmd.Flags().BoolVar(&useLLM, "llm", false, "generate text with the LLM configured in the environment")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress to stderr")
	return cmd
}

func evaluateLLM(ctx context.Context, enabled bool, log *slog.Logger) (llm.Client, error) {
	if !enabled {
		return llm.Disabled{}, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	backend, err := llm.New(ctx, cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	return llm.NewGuarded(backend, cfg.LLM.Provider, llm.WithTimeout(cfg.LLM.Timeout), llm.WithLogger(log)), nil
}

func readApplication(stdin io.Reader, file string) (models.ApplicantData, error) {
	var (
		raw []byte
		err error
	)
	if file == "" || file == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return models.ApplicantData{}, fmt.Errorf("read application: %w", err)
	}
	var data models.ApplicantData
	if err := json.Unmarshal(raw, &data); err != nil {
		return models.ApplicantData{}, fmt.Errorf("decode application: %w", err)
	}
	if strings.TrimSpace(data.Name) == "" || data.Income < 0 || data.Amount <= 0 {
		return models.ApplicantData{}, errors.New("application needs a name, a non-negative income and a positive amount")
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
