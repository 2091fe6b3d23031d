package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

const pdfMIMEType = "application/pdf"

// receiptSystemInstruction is the shared instruction used by all LLM providers
const receiptSystemInstruction = `You are a careful bookkeeping assistant.
The uploaded document is a scan of one or more Japanese receipts or invoices, possibly several per page and possibly spanning pages.
Identify every individual receipt and extract the following for each one:

1. date: the transaction date in YYYY/MM/DD format. Use null if it cannot be read.
2. store_name: the store or company name. Use null if it cannot be read.
3. invoice_number: the qualified invoice registration number, the letter "T" followed by 13 digits. Use null if there is none.
4. Amount breakdown, tax included, as integers in yen:
   - amount_8_percent: amount subject to the 8% reduced rate (food etc., items marked 軽 or ※), on receipts with an invoice number.
   - amount_10_percent: amount subject to the 10% rate, on receipts with an invoice number.
   - amount_non_invoice: the total of receipts without an invoice number, or any amount whose rate cannot be determined.

Error handling:
- If part of a receipt is unreadable, still output every field you could read.
- If a receipt cannot be read at all, set status to "error" and explain why in error_message.

Return ONLY a JSON array in this exact format, with no markdown:
[{"status": "success", "date": "2024/11/29", "store_name": "...", "invoice_number": "T1234567890123", "amount_8_percent": 500, "amount_10_percent": 1000, "amount_non_invoice": 0, "error_message": null}]`

// receiptScanPrompt accompanies the uploaded document
const receiptScanPrompt = "Extract the receipt information from every page of this document."

// pdfToImages renders every page of a PDF as PNG
func pdfToImages(pdfData []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := make([][]byte, 0, doc.NumPage())
	for n := 0; n < doc.NumPage(); n++ {
		img, err := doc.Image(n)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding PNG: %w", err)
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}

// pdfPageCount opens a PDF and reports its page count
func pdfPageCount(pdfData []byte) (int, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return 0, fmt.Errorf("%w: opening PDF: %v", ErrUnsupportedInput, err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// imageToPNG converts any image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding HEIC/HEIF image: %v", ErrUnsupportedInput, err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding image: %v", ErrUnsupportedInput, err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brand of the data
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeMIMEType lowercases the content type and sniffs PDFs sent without one
func normalizeMIMEType(data []byte, contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i != -1 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		if bytes.HasPrefix(data, []byte("%PDF-")) {
			return pdfMIMEType
		}
		if mimeType == "" {
			return "image/jpeg"
		}
	}
	return mimeType
}

// prepareDocument returns data the remote model accepts as-is: PDFs pass
// through after a sanity check, images are converted to PNG
func prepareDocument(data []byte, contentType string) ([]byte, string, error) {
	mimeType := normalizeMIMEType(data, contentType)

	switch {
	case mimeType == pdfMIMEType:
		pages, err := pdfPageCount(data)
		if err != nil {
			return nil, "", err
		}
		if pages == 0 {
			return nil, "", fmt.Errorf("%w: PDF has no pages", ErrUnsupportedInput)
		}
		return data, pdfMIMEType, nil
	case mimeType == "image/png" && !isHEICFormat(data):
		return data, "image/png", nil
	case strings.HasPrefix(mimeType, "image/"):
		pngData, err := imageToPNG(data, mimeType)
		if err != nil {
			return nil, "", fmt.Errorf("converting image to PNG: %w", err)
		}
		return pngData, "image/png", nil
	default:
		return nil, "", fmt.Errorf("%w: content type %q", ErrUnsupportedInput, mimeType)
	}
}
