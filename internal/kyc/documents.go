package kyc

import (
	"context"
	"fmt"
	"time"
)

// DocumentStep is one stage of the simulated verification flow.
type DocumentStep struct {
	Step   string
	Detail string
}

// DocumentSteps lists the verification stages in order.
var DocumentSteps = []DocumentStep{
	{Step: "Document Received", Detail: "Document '%s' received for verification."},
	{Step: "OCR Extraction", Detail: "Text extracted from '%s'."},
	{Step: "Data Validation", Detail: "Extracted details from '%s' match the application."},
	{Step: "Authenticity Check", Detail: "No signs of tampering found in '%s'."},
	{Step: "Document Verification Complete", Detail: "Document '%s' verified."},
}

// RecordFunc persists one verification step. Returning an error stops the flow.
type RecordFunc func(ctx context.Context, step, detail string) error

// DocumentVerifier walks DocumentSteps with a fixed delay between steps so
// clients watching the loan see progress arrive one entry at a time.
type DocumentVerifier struct {
	delay time.Duration
}

// NewDocumentVerifier creates a verifier pausing delay before each step.
func NewDocumentVerifier(delay time.Duration) *DocumentVerifier {
	return &DocumentVerifier{delay: delay}
}

// Verify records every step for documentName. It stops early on
// cancellation or when record fails.
func (v *DocumentVerifier) Verify(ctx context.Context, documentName string, record RecordFunc) error {
	if documentName == "" {
		documentName = "unnamed document"
	}
	for _, s := range DocumentSteps {
		if err := v.wait(ctx); err != nil {
			return err
		}
		if err := record(ctx, s.Step, fmt.Sprintf(s.Detail, documentName)); err != nil {
			return fmt.Errorf("record %s: %w", s.Step, err)
		}
	}
	return nil
}

func (v *DocumentVerifier) wait(ctx context.Context) error {
	if v.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(v.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
