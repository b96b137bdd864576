package companion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DonDistillo-Project/cocktail-robot/internal/protocol"
)

// Script is a recipe played against a device.
//
//	name: Daiquiri
//	steps:
//	  - instruction: Put a glass on the scale
//	    wait_stable: true
//	  - instruction: Add 50g white rum
//	    target: 50
//	  - instruction: Shake with ice
//	    pause: 5s
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one instruction, optionally weighed.
type Step struct {
	Instruction string        `yaml:"instruction"`
	Target      float64       `yaml:"target,omitempty"`
	WaitStable  bool          `yaml:"wait_stable,omitempty"`
	Pause       time.Duration `yaml:"pause,omitempty"`
}

// LoadScript reads and validates a YAML recipe script.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script %s: %w", path, err)
	}
	script, err := ParseScript(data)
	if err != nil {
		return Script{}, fmt.Errorf("script %s: %w", path, err)
	}
	return script, nil
}

// ParseScript decodes a YAML recipe script. Unknown keys are rejected.
func ParseScript(data []byte) (Script, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var script Script
	if err := dec.Decode(&script); err != nil {
		return Script{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := script.Validate(); err != nil {
		return Script{}, err
	}
	return script, nil
}

// Validate checks the script fits the wire format.
func (s Script) Validate() error {
	var errs []error
	name := Transliterate(strings.TrimSpace(s.Name))
	if name == "" {
		errs = append(errs, errors.New("name must be non-empty"))
	}
	if len(name) > protocol.MaxTextLen {
		errs = append(errs, fmt.Errorf("name is %d bytes; max %d", len(name), protocol.MaxTextLen))
	}
	if len(s.Steps) == 0 {
		errs = append(errs, errors.New("steps must be non-empty"))
	}
	for i, step := range s.Steps {
		text := Transliterate(step.Instruction)
		if strings.TrimSpace(text) == "" {
			errs = append(errs, fmt.Errorf("steps[%d].instruction must be non-empty", i))
		}
		if len(text) > protocol.MaxTextLen {
			errs = append(errs, fmt.Errorf("steps[%d].instruction is %d bytes; max %d", i, len(text), protocol.MaxTextLen))
		}
		if step.Target < 0 {
			errs = append(errs, fmt.Errorf("steps[%d].target must be >= 0", i))
		}
		if step.Pause < 0 {
			errs = append(errs, fmt.Errorf("steps[%d].pause must be >= 0", i))
		}
	}
	return errors.Join(errs...)
}

// PlayOptions tunes script playback.
type PlayOptions struct {
	// Tolerance is how close to the target a weighed step must get.
	Tolerance float64
	// OnStep is called before each step is sent.
	OnStep func(index int, step Step)
}

// Play runs the script on c. Weighed steps wait until the notified weight
// reaches the target. Cancelling ctx aborts the recipe on the device.
func (s Script) Play(ctx context.Context, c *Client, opts PlayOptions) error {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if err := c.StartRecipe(s.Name); err != nil {
		return err
	}

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.Done():
			cancel()
		case <-stepCtx.Done():
		}
	}()

	for i, step := range s.Steps {
		if opts.OnStep != nil {
			opts.OnStep(i, step)
		}
		if err := s.playStep(stepCtx, c, step, opts.Tolerance); err != nil {
			if connErr := c.Err(); connErr != nil {
				return fmt.Errorf("step %d: %w: %w", i+1, ErrClosed, connErr)
			}
			if ctx.Err() != nil {
				_ = c.AbortRecipe()
			}
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return c.FinishRecipe()
}

func (s Script) playStep(ctx context.Context, c *Client, step Step, tolerance float64) error {
	if step.WaitStable {
		if _, err := c.Watcher().WaitStable(ctx); err != nil {
			return fmt.Errorf("wait for stable weight: %w", err)
		}
	}

	if step.Target > 0 {
		if err := c.DoIngredientStep(step.Target, step.Instruction); err != nil {
			return err
		}
		// The device re-zeroes on a weighed step, so readings are deltas from here.
		c.Watcher().Reset()
		_, err := c.Watcher().Wait(ctx, func(latest float64) bool {
			return latest >= step.Target-tolerance
		})
		if err != nil {
			return fmt.Errorf("wait for %.1fg: %w", step.Target, err)
		}
	} else if err := c.DoInstructionStep(step.Instruction); err != nil {
		return err
	}

	if step.Pause > 0 {
		timer := time.NewTimer(step.Pause)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
