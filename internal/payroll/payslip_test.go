package payroll

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "12,771.30", FormatAmount(language.English, dec("12771.3")))
	require.Equal(t, "0.00", FormatAmount(language.English, dec("0")))
	require.Equal(t, "1,000,000.00", FormatAmount(language.English, dec("1000000")))
	require.Equal(t, "-2,500.05", FormatAmount(language.English, dec("-2500.045")))
	require.Equal(t, "92,233,720,368,547.77", FormatAmount(language.English, dec("92233720368547.77")))
}

func TestFormatPesoUsesPesoSymbol(t *testing.T) {
	require.Equal(t, "₱ 1,500.00", FormatPeso(language.English, dec("1500")))
}

func TestRenderPayslipRequiresApproval(t *testing.T) {
	var buf bytes.Buffer
	err := RenderPayslipHTML(&buf, Payslip{Entry: Entry{Status: StatusReviewed}})
	require.ErrorIs(t, err, ErrNotApproved)
	require.Zero(t, buf.Len())
}

func TestPDFRendererPostsHTML(t *testing.T) {
	var gotPath, gotName string
	var gotHTML []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotName = r.Header.Get("Gotenberg-Output-Filename")
		file, _, err := r.FormFile("files")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotHTML, _ = io.ReadAll(file)
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	r := &PDFRenderer{Endpoint: srv.URL + "/", Client: srv.Client()}
	pdf, err := r.Render(context.Background(), "payslip-E-007-1", []byte("<html>slip</html>"))
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(pdf))
	require.Equal(t, "/forms/chromium/convert/html", gotPath)
	require.Equal(t, "payslip-E-007-1", gotName)
	require.Equal(t, "<html>slip</html>", string(gotHTML))

	_, err = (&PDFRenderer{}).Render(context.Background(), "x", nil)
	require.Error(t, err)
}
