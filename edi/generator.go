/*
generator.go - Event-driven 835 file generation

PURPOSE:
  Subscribes to bucket status changes and, when a bucket enters GENERATING,
  produces its 835 file: assemble the RemittanceAdvice, render it through
  the x12 writer, persist the bytes as FileGenerationHistory (delivery
  PENDING) and mark the bucket COMPLETED. All of that happens in one
  transaction, so a failure leaves no half-generated file and the bucket
  moves to FAILED with the error recorded instead.

IDEMPOTENCY:
  The bus can replay transitions (restarts, manual re-triggers). Generation
  is a no-op for any bucket not currently GENERATING, so duplicates are
  harmless.

CONTROL NUMBERS:
  The ISA interchange control number comes from the store's named counter
  and commits with the file. Transaction set control numbers start at 0001
  per interchange (one set per file today).
*/
package edi

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumera/remit-engine/bucket"
	"github.com/lumera/remit-engine/config"
	"github.com/lumera/remit-engine/edi/x12"
	"github.com/lumera/remit-engine/naming"
	"github.com/lumera/remit-engine/remit"
	"github.com/lumera/remit-engine/store/sqlite"
)

// ControlNumberName is the store counter backing ISA13.
const ControlNumberName = "isa_interchange"

// ReceiverFallbackID is used when a payer master has no ISA sender id yet.
const ReceiverFallbackID = "RECEIVER"

type Generator struct {
	Store      *sqlite.Store
	Manager    *bucket.Manager
	Namer      *naming.Expander
	Logger     *zap.Logger
	SenderID   string // our ISA06, fixed per deployment
	Production bool   // ISA15 P vs T
	Delimiters x12.Delimiters

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

// Register subscribes the generator to the bus. Events fire after the
// transaction that moved the bucket committed.
func (g *Generator) Register(bus *remit.Bus) {
	bus.Subscribe("edi-generator", func(ev remit.BucketStatusChanged) {
		if ev.To != remit.BucketGenerating {
			return
		}
		if err := g.GenerateForBucket(context.Background(), ev.BucketID); err != nil {
			g.Logger.Error("file generation failed",
				zap.String("bucketId", ev.BucketID),
				zap.Error(err))
		}
	})
}

// GenerateForBucket produces the 835 for one bucket. Safe to call more than
// once; only a bucket currently in GENERATING produces output. On failure
// the bucket is marked FAILED and the original error is returned.
func (g *Generator) GenerateForBucket(ctx context.Context, bucketID string) error {
	var generated string
	err := g.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketGenerating {
			g.Logger.Debug("bucket not generating, skipping",
				zap.String("bucketId", bucketID),
				zap.String("status", string(b.Status)))
			return nil
		}

		file, err := g.generate(ctx, tx, b)
		if err != nil {
			return err
		}
		generated = file.GeneratedFileName
		return g.Manager.MarkCompleted(ctx, tx, b)
	})
	if err != nil {
		g.markFailed(ctx, bucketID, err)
		return err
	}
	if generated != "" {
		g.Logger.Info("835 file generated",
			zap.String("bucketId", bucketID),
			zap.String("fileName", generated))
	}
	return nil
}

func (g *Generator) generate(ctx context.Context, tx *sqlite.Store, b *remit.Bucket) (*remit.FileGenerationHistory, error) {
	logs, err := tx.ProcessingLogsForBucket(ctx, b.ID, remit.ClaimProcessed)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("bucket %s has no processed claims to remit", b.ID)
	}

	advice, err := g.assemble(ctx, tx, b, logs)
	if err != nil {
		return nil, err
	}

	w := x12.NewWriter(g.Delimiters)
	if err := advice.Write(w); err != nil {
		return nil, err
	}
	content := w.Bytes()

	fileName, err := g.Namer.FileNameForBucket(ctx, tx, b)
	if err != nil {
		return nil, err
	}

	file := &remit.FileGenerationHistory{
		ID:                remit.NewID(),
		BucketID:          b.ID,
		GeneratedFileName: fileName,
		FileContent:       content,
		FileSize:          int64(len(content)),
		ClaimCount:        b.ClaimCount,
		TotalAmount:       b.TotalAmount,
		GeneratedBy:       bucket.SystemActor,
		GeneratedAt:       g.now(),
		DeliveryStatus:    remit.DeliveryPending,
	}
	if err := tx.InsertFileHistory(ctx, file); err != nil {
		return nil, err
	}
	return file, nil
}

// assemble builds the RemittanceAdvice from committed state. Master records
// enrich the party loops; a bucket whose payer/payee was auto-created still
// generates from its denormalised names.
func (g *Generator) assemble(ctx context.Context, tx *sqlite.Store, b *remit.Bucket, logs []remit.ClaimProcessingLog) (*RemittanceAdvice, error) {
	payer := Party{Name: b.PayerName}
	receiverID := remit.GenerateISASenderID(b.PayerID)
	if p, err := tx.GetPayerByExternalID(ctx, b.PayerID); err == nil {
		payer = partyFromPayer(p)
		if p.ISASenderID != "" {
			receiverID = p.ISASenderID
		}
	} else if !remit.IsNotFound(err) {
		return nil, err
	}
	if receiverID == "" {
		receiverID = ReceiverFallbackID
	}

	payee := Party{Name: b.PayeeName}
	if p, err := tx.GetPayeeByExternalID(ctx, b.PayeeID); err == nil {
		payee = partyFromPayee(p)
	} else if !remit.IsNotFound(err) {
		return nil, err
	}

	advice := &RemittanceAdvice{
		SenderID:   g.SenderID,
		ReceiverID: receiverID,
		Payer:      payer,
		Payee:      payee,
		TotalPaid:  b.TotalAmount,
		Usage:      x12.UsageTest,
		CreatedAt:  g.now(),
	}
	if g.Production {
		advice.Usage = x12.UsageProduction
	}

	for _, l := range logs {
		advice.Claims = append(advice.Claims, ClaimPayment{
			ClaimID:      l.ClaimID,
			ChargeAmount: l.ChargeAmount,
			PaidAmount:   l.PaidAmount,
		})
	}

	if check, err := tx.GetCheckPaymentByBucket(ctx, b.ID); err == nil {
		advice.CheckNumber = check.CheckNumber
		advice.CheckDate = check.CheckDate
	} else if !remit.IsNotFound(err) {
		return nil, err
	}

	ctrl, err := tx.NextControlNumber(ctx, ControlNumberName)
	if err != nil {
		return nil, err
	}
	advice.ControlNumber = ctrl
	return advice, nil
}

// markFailed records the generation error on the bucket in its own
// transaction, since the generating transaction rolled back.
func (g *Generator) markFailed(ctx context.Context, bucketID string, cause error) {
	err := g.Store.WithTx(ctx, func(tx *sqlite.Store) error {
		b, err := tx.GetBucket(ctx, bucketID)
		if err != nil {
			return err
		}
		if b.Status != remit.BucketGenerating {
			return nil
		}
		return g.Manager.MarkFailed(ctx, tx, b, fmt.Sprintf("file generation failed: %v", cause))
	})
	if err != nil {
		g.Logger.Error("failed to record generation failure",
			zap.String("bucketId", bucketID),
			zap.Error(err))
	}
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func partyFromPayer(p *config.Payer) Party {
	return Party{
		Name:         p.PayerName,
		AddressLine1: p.AddressLine1,
		AddressLine2: p.AddressLine2,
		City:         p.City,
		State:        p.State,
		ZipCode:      p.ZipCode,
	}
}

func partyFromPayee(p *config.Payee) Party {
	party := Party{
		Name:         p.PayeeName,
		AddressLine1: p.AddressLine1,
		AddressLine2: p.AddressLine2,
		City:         p.City,
		State:        p.State,
		ZipCode:      p.ZipCode,
	}
	if p.NPI != "" {
		party.IDQualifier = payeeIDQualifierNPI
		party.ID = p.NPI
	}
	return party
}
