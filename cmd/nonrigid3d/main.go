package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"

	"nonrigid3d/internal/models"
	"nonrigid3d/pkg/config"
	"nonrigid3d/pkg/demons"
	"nonrigid3d/pkg/evaluation"
	"nonrigid3d/pkg/interpolation"
	"nonrigid3d/pkg/metric"
	"nonrigid3d/pkg/mhd"
	"nonrigid3d/pkg/registration"
	"nonrigid3d/pkg/transform"
	"nonrigid3d/pkg/visualization"
)

func main() {
	// Parse command line arguments
	fixedPath := flag.String("fixed", "", "Fixed (reference) volume in MetaImage format")
	movingPath := flag.String("moving", "", "Moving volume in MetaImage format")
	method := flag.String("method", "bspline", "Registration method: bspline or demons")
	configPath := flag.String("config", "config.yaml", "YAML configuration file (defaults are used when missing)")
	fixedLandmarks := flag.String("landmarks-fixed", "", "Fixed landmark file for error evaluation")
	movingLandmarks := flag.String("landmarks-moving", "", "Moving landmark file for error evaluation")
	fixedMask := flag.String("mask-fixed", "", "Fixed segmentation in MetaImage format for overlap evaluation")
	movingMask := flag.String("mask-moving", "", "Moving segmentation in MetaImage format for overlap evaluation")
	maskLabel := flag.Int("mask-label", 1, "Label to evaluate in the segmentations")
	transformOut := flag.String("transform", "transform.yaml", "Output file for the recovered transform")
	warpedOut := flag.String("warped", "", "Optional output MetaImage for the warped moving volume")
	slicesDir := flag.String("slices-dir", "", "Optional directory for warped slice previews along all axes")
	flag.Parse()

	// Validate inputs
	if *fixedPath == "" || *movingPath == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *method != "bspline" && *method != "demons" {
		log.Fatalf("Unknown method %q: must be bspline or demons", *method)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("NONRIGID 3D IMAGE REGISTRATION")
	fmt.Println("B-spline free-form deformation and Demons displacement fields")
	fmt.Println("================================")

	fmt.Printf("Loading fixed volume: %s\n", *fixedPath)
	fixed, err := mhd.ReadVolume(*fixedPath)
	if err != nil {
		log.Fatalf("Failed to load fixed volume: %v", err)
	}
	fmt.Printf("Loading moving volume: %s\n", *movingPath)
	moving, err := mhd.ReadVolume(*movingPath)
	if err != nil {
		log.Fatalf("Failed to load moving volume: %v", err)
	}
	fmt.Printf("Fixed: %dx%dx%d voxels, spacing %.3g %.3g %.3g\n",
		fixed.Size[0], fixed.Size[1], fixed.Size[2],
		fixed.Spacing[0], fixed.Spacing[1], fixed.Spacing[2])

	startTime := time.Now()
	var result transform.Transform
	switch *method {
	case "bspline":
		result, err = runBSpline(cfg, fixed, moving)
	case "demons":
		result, err = runDemons(cfg, fixed, moving)
	}
	if err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	fmt.Printf("\nRegistration completed in %.2f seconds\n", time.Since(startTime).Seconds())

	if err := transform.Save(*transformOut, result); err != nil {
		log.Fatalf("Failed to save transform: %v", err)
	}
	fmt.Printf("Transform saved to: %s\n", *transformOut)

	warped := registration.Warp(moving, result, &fixed.Geometry)

	if *warpedOut != "" {
		if err := mhd.WriteVolume(*warpedOut, warped); err != nil {
			log.Fatalf("Failed to save warped volume: %v", err)
		}
		fmt.Printf("Warped moving volume saved to: %s\n", *warpedOut)
	}

	reportEvaluation(result, fixed, warped, *fixedLandmarks, *movingLandmarks, *fixedMask, *movingMask, int32(*maskLabel))

	if *slicesDir != "" {
		fmt.Println("\nExtracting warped slices along all axes...")
		viewer := visualization.NewViewer(warped, cfg.Output.PreviewScale)
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(*slicesDir, axis)
			fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
			}
		}
		if field, ok := result.(*transform.DisplacementField); ok {
			magDir := filepath.Join(*slicesDir, "magnitude")
			fmt.Printf("Saving displacement magnitude slices to: %s\n", magDir)
			magViewer := visualization.NewViewer(visualization.MagnitudeVolume(field), cfg.Output.PreviewScale)
			if err := magViewer.SaveSliceSequence("z", magDir); err != nil {
				log.Printf("Warning: Failed to save magnitude slices: %v", err)
			}
		}
		fmt.Println("Slice extraction completed!")
	}
}

// runBSpline registers with a multi-resolution B-spline free-form
// deformation.
func runBSpline(cfg *config.Config, fixed, moving *models.Volume) (transform.Transform, error) {
	b, err := transform.NewBSpline(&fixed.Geometry, cfg.BSpline.ControlPointSpacing)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Control grid: %dx%dx%d points, %d parameters\n",
		b.GridSize()[0], b.GridSize()[1], b.GridSize()[2], b.NumParameters())

	sampling := metric.Dense
	if cfg.Metric.Sampling == "random" {
		sampling = metric.Random
	}

	var observer registration.Observer
	if cfg.Output.Verbose {
		observer = visualization.ConsoleObserver{W: os.Stdout}
	}

	fmt.Printf("Starting B-spline registration over %d pyramid levels...\n", len(cfg.Pyramid.Shrinks))
	r := registration.NewRegistrar(&registration.Params{
		Fixed:              fixed,
		Moving:             moving,
		Transform:          b,
		Shrinks:            cfg.Pyramid.Shrinks,
		Sigmas:             cfg.Pyramid.Sigmas,
		MaxIterations:      cfg.Optimizer.MaxIterations,
		GradientTolerance:  cfg.Optimizer.GradientTolerance,
		Sampling:           sampling,
		SamplingPercentage: cfg.Metric.Percentage,
		Seed:               cfg.Metric.Seed,
		Observer:           observer,
		Verbose:            cfg.Output.Verbose,
	})
	res, err := r.Run()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Terminal state: %s, final metric %.6f\n", res.State, res.FinalMetric)
	return b, nil
}

// runDemons registers with the Demons displacement-field loop, showing a
// progress bar over the fixed iteration count.
func runDemons(cfg *config.Config, fixed, moving *models.Volume) (transform.Transform, error) {
	bar := pb.StartNew(cfg.Demons.Iterations)
	var last float64
	observer := registration.ObserverFunc(func(e registration.Event) {
		last = e.Metric
		bar.Increment()
	})

	fmt.Printf("Starting Demons registration, %d iterations...\n", cfg.Demons.Iterations)
	it, err := demons.NewIntegrator(&demons.Params{
		Fixed:          fixed,
		Moving:         moving,
		Iterations:     cfg.Demons.Iterations,
		Normalizer:     cfg.Demons.Normalizer,
		UpdateVariance: cfg.Demons.UpdateVariance,
		TotalVariance:  cfg.Demons.TotalVariance,
		Symmetric:      cfg.Demons.Symmetric,
		Diffeomorphic:  cfg.Demons.Diffeomorphic,
		Observer:       observer,
	})
	if err != nil {
		return nil, err
	}
	field, err := it.Run()
	bar.Finish()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Final mean squared difference: %.6f\n", last)
	return field, nil
}

// reportEvaluation prints landmark and overlap metrics when the
// corresponding inputs were supplied.
func reportEvaluation(t transform.Transform, fixed, warped *models.Volume, lmFixed, lmMoving, maskFixed, maskMoving string, label int32) {
	if lmFixed != "" && lmMoving != "" {
		fp, err := mhd.ReadLandmarks(lmFixed)
		if err != nil {
			log.Fatalf("Failed to load fixed landmarks: %v", err)
		}
		mp, err := mhd.ReadLandmarks(lmMoving)
		if err != nil {
			log.Fatalf("Failed to load moving landmarks: %v", err)
		}
		before, err := evaluation.TRE(nil, fp, mp)
		if err != nil {
			log.Fatalf("Landmark evaluation failed: %v", err)
		}
		after, err := evaluation.TRE(t, fp, mp)
		if err != nil {
			log.Fatalf("Landmark evaluation failed: %v", err)
		}
		fmt.Printf("\nTarget Registration Error (%d landmarks):\n", fp.Len())
		fmt.Printf("  before: mean %.3f  std %.3f  max %.3f\n", before.Mean, before.Std, before.Max)
		fmt.Printf("  after:  mean %.3f  std %.3f  max %.3f\n", after.Mean, after.Std, after.Max)
	}

	if maskFixed != "" && maskMoving != "" {
		fm, err := mhd.ReadLabelMask(maskFixed)
		if err != nil {
			log.Fatalf("Failed to load fixed mask: %v", err)
		}
		mm, err := mhd.ReadLabelMask(maskMoving)
		if err != nil {
			log.Fatalf("Failed to load moving mask: %v", err)
		}
		warpedMask := warpMask(mm, t, &fixed.Geometry)

		dice, err := evaluation.Dice(fm, warpedMask, label)
		if err != nil {
			log.Fatalf("Overlap evaluation failed: %v", err)
		}
		fmt.Printf("\nSegmentation overlap (label %d):\n", label)
		fmt.Printf("  Dice coefficient: %.4f\n", dice)

		hd, err := evaluation.Hausdorff(fm, warpedMask, label)
		if err != nil {
			log.Printf("Warning: Hausdorff evaluation failed: %v", err)
		} else {
			fmt.Printf("  Hausdorff distance: %.3f\n", hd)
		}
	}
}

// warpMask resamples a label mask through the transform with nearest
// neighbor interpolation so labels stay intact.
func warpMask(mask *models.LabelMask, t transform.Transform, reference *models.Geometry) *models.LabelMask {
	asVolume := &models.Volume{Geometry: mask.Geometry}
	asVolume.Data = make([]float64, len(mask.Labels))
	for i, l := range mask.Labels {
		asVolume.Data[i] = float64(l)
	}

	out := models.NewLabelMask(reference)
	// Nearest sampling through the mapping; a dedicated pass rather than
	// Warp since labels must not be blended.
	s := interpolation.NewSampler(asVolume, interpolation.Nearest, 0)
	for z := 0; z < reference.Size[2]; z++ {
		for y := 0; y < reference.Size[1]; y++ {
			for x := 0; x < reference.Size[0]; x++ {
				p := reference.IndexToPhysical([3]float64{float64(x), float64(y), float64(z)})
				idx := reference.LinearIndex(x, y, z)
				out.Labels[idx] = int32(s.Sample(t.Apply(p)))
			}
		}
	}
	return out
}
