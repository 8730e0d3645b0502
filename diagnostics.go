package blockedmcmc

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotRminus1Trace renders a ConvergenceTracker's History as an R-1-vs-sample
// count line plot and saves it to path (format inferred from the extension,
// e.g. ".svg" or ".png"). It is an optional diagnostic, not part of the
// sampling loop itself: callers that want a convergence trace call it after
// ChainDriver.Run returns.
func PlotRminus1Trace(tracker *ConvergenceTracker, title, path string) error {
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = title
	p.X.Label.Text = "accepted samples"
	p.Y.Label.Text = "R-1"

	pts := make(plotter.XYs, len(tracker.History))
	for i, h := range tracker.History {
		pts[i].X = float64(h.N)
		pts[i].Y = h.Rminus1
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	p.Add(line, scatter, plotter.NewGrid())

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
