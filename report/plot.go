// Optional PDF diagnostics. Failure here is never fatal to a run: the
// caller records the failure as a metadata warning and continues (spec
// §6.3, §7).
package report

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SavePValueHistogramPDF renders the p-value histogram to a PDF.
func SavePValueHistogramPDF(bins []HistBin, path string) error {
	if len(bins) == 0 {
		return fmt.Errorf("report: no histogram bins to plot")
	}
	p := plot.New()
	p.Title.Text = "Primary p-value distribution"
	p.X.Label.Text = "p"
	p.Y.Label.Text = "count"

	bars, err := plotter.NewBarChart(histValues(bins), vg.Points(float64(220)/float64(len(bins))))
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	p.Add(bars)

	if err := p.Save(4*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

func histValues(bins []HistBin) plotter.Values {
	v := make(plotter.Values, len(bins))
	for i, b := range bins {
		v[i] = float64(b.Count)
	}
	return v
}

// SaveQQPlotPDF renders the expected-vs-observed QQ scatter to a PDF.
func SaveQQPlotPDF(rows []QQRow, path string) error {
	if len(rows) == 0 {
		return fmt.Errorf("report: no QQ rows to plot")
	}
	p := plot.New()
	p.Title.Text = "QQ plot: -log10(expected) vs -log10(observed)"
	p.X.Label.Text = "-log10(expected)"
	p.Y.Label.Text = "-log10(observed)"

	pts := make(plotter.XYs, len(rows))
	for i, r := range rows {
		pts[i].X = r.NegLog10Expected
		pts[i].Y = r.NegLog10Observed
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	p.Add(scatter)

	if err := p.Save(4*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}
