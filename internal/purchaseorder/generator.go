package purchaseorder

import (
	"context"
	"fmt"
	"io"
	"time"

	"procurement/internal/model"
	"procurement/internal/storage"

	"github.com/go-pdf/fpdf"
	"github.com/pkg/errors"
)

// ErrGeneration wraps every failure to render or store a purchase order.
var ErrGeneration = errors.New("purchase order generation failed")

const descriptionLimit = 30

// PONumber formats the purchase order identifier, e.g. PO-00042.
// Downstream parsers rely on this format.
func PONumber(id uint) string {
	return fmt.Sprintf("PO-%05d", id)
}

// FileName is the stored file name of a purchase order, e.g. PO_42_20250131.pdf.
func FileName(id uint, date time.Time) string {
	return fmt.Sprintf("PO_%d_%s.pdf", id, date.Format("20060102"))
}

// DocumentWriter is the part of the document store the generator needs.
type DocumentWriter interface {
	Create(dir storage.Dir, name string) (io.WriteCloser, string, error)
}

type Generator struct {
	docs DocumentWriter
	now  func() time.Time
}

func NewGenerator(docs DocumentWriter, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{docs: docs, now: now}
}

// Generate renders the purchase order for an approved request and returns
// its document reference under purchase_orders/.
func (g *Generator) Generate(ctx context.Context, req *model.PurchaseRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrapf(ErrGeneration, "request %d: %v", req.ID, err)
	}
	today := g.now()

	pdf := render(req, today)
	if err := pdf.Error(); err != nil {
		return "", errors.Wrapf(ErrGeneration, "render request %d: %v", req.ID, err)
	}

	w, ref, err := g.docs.Create(storage.PurchaseOrders, FileName(req.ID, today))
	if err != nil {
		return "", errors.Wrapf(ErrGeneration, "request %d: %v", req.ID, err)
	}
	if err := pdf.Output(w); err != nil {
		_ = w.Close()
		return "", errors.Wrapf(ErrGeneration, "write %s: %v", ref, err)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(ErrGeneration, "close %s: %v", ref, err)
	}
	return ref, nil
}

// render lays out a letter-size page in points with the origin at the top left.
func render(req *model.PurchaseRequest, date time.Time) *fpdf.Fpdf {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetTitle(PONumber(req.ID), true)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 20)
	pdf.Text(50, 50, "PURCHASE ORDER")

	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(50, 80, "PO Number: "+PONumber(req.ID))
	pdf.Text(50, 100, "Date: "+date.Format("2006-01-02"))
	pdf.Text(50, 140, tr("Vendor: "+req.ExtractedData.VendorOrDefault()))

	pdf.Line(50, 160, 550, 160)
	pdf.Text(50, 180, "Item")
	pdf.Text(300, 180, "Description")
	pdf.Text(500, 180, "Amount")
	pdf.Line(50, 190, 550, 190)

	pdf.Text(50, 210, tr(req.Title))
	pdf.Text(300, 210, tr(truncate(req.Description, descriptionLimit)))
	pdf.Text(500, 210, req.Currency+" "+req.Amount.StringFixed(2))

	pdf.Line(50, 400, 250, 400)
	pdf.Text(50, 420, "Authorized Signature")
	return pdf
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
