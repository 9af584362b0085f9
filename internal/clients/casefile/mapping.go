package casefile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/collectivites/gsl/internal/domain"
	"github.com/collectivites/gsl/internal/modules/dossier"
)

// Labels names the case fields the engine reads. Public fields and private
// annotations are both matched by label.
type Labels struct {
	RequestedInstruments string
	AcceptedInstruments  string
	Assiette             map[domain.Instrument]string
	Awarded              map[domain.Instrument]string
	Rate                 map[domain.Instrument]string
}

// DefaultLabels returns the labels used by the national DETR/DSIL procedure.
func DefaultLabels() Labels {
	return Labels{
		RequestedInstruments: "Dispositif de financement sollicité",
		AcceptedInstruments:  "Dotation(s) retenue(s)",
		Assiette: map[domain.Instrument]string{
			domain.DETR: "Assiette DETR",
			domain.DSIL: "Assiette DSIL",
		},
		Awarded: map[domain.Instrument]string{
			domain.DETR: "Montant accordé DETR",
			domain.DSIL: "Montant accordé DSIL",
		},
		Rate: map[domain.Instrument]string{
			domain.DETR: "Taux DETR",
			domain.DSIL: "Taux DSIL",
		},
	}
}

func (l Labels) wanted(label string) bool {
	if label == l.RequestedInstruments || label == l.AcceptedInstruments {
		return true
	}
	for _, m := range []map[domain.Instrument]string{l.Assiette, l.Awarded} {
		for _, v := range m {
			if v == label {
				return true
			}
		}
	}
	return false
}

// caseRef is what mutations need to address a case.
type caseRef struct {
	id          string
	annotations map[string]string // label -> annotation id
}

// parseFields decodes a champs/annotations array into a label index. Fields of
// an unknown kind are skipped unless the engine reads them.
func parseFields(arr gjson.Result, labels Labels, log zerolog.Logger) (map[string]Field, error) {
	out := make(map[string]Field)
	for _, raw := range arr.Array() {
		f, err := ParseField(raw)
		if errors.Is(err, ErrUnknownFieldKind) {
			label := strings.TrimSpace(raw.Get("label").String())
			if labels.wanted(label) {
				return nil, err
			}
			log.Debug().Str("label", label).Str("kind", raw.Get("__typename").String()).Msg("Skipping field of unknown kind")
			continue
		}
		if err != nil {
			return nil, err
		}
		out[f.Label()] = f
	}
	return out, nil
}

// mapDossier converts a GraphQL dossier node into a snapshot. ProjectID and
// SyncedAt are left to the caller.
func mapDossier(node gjson.Result, labels Labels, log zerolog.Logger) (*dossier.Dossier, *caseRef, error) {
	number := node.Get("number").Int()
	log = log.With().Int64("dossier_number", number).Logger()

	status, err := domain.ParseCaseStatus(node.Get("state").String())
	if err != nil {
		return nil, nil, err
	}

	d := &dossier.Dossier{Number: number, Status: status}
	if d.FiledAt, err = parseTimestamp(node.Get("dateDepot")); err != nil {
		return nil, nil, err
	}
	if d.EnteredInstructionAt, err = parseTimestamp(node.Get("datePassageEnInstruction")); err != nil {
		return nil, nil, err
	}
	if d.DecidedAt, err = parseTimestamp(node.Get("dateTraitement")); err != nil {
		return nil, nil, err
	}

	champs, err := parseFields(node.Get("champs"), labels, log)
	if err != nil {
		return nil, nil, fmt.Errorf("dossier %d: %w", number, err)
	}
	annotations, err := parseFields(node.Get("annotations"), labels, log)
	if err != nil {
		return nil, nil, fmt.Errorf("dossier %d: %w", number, err)
	}

	if f, ok := champs[labels.RequestedInstruments]; ok {
		d.RequestedInstruments = instrumentsOf(f, log)
	}
	if f, ok := annotations[labels.AcceptedInstruments]; ok {
		d.Annotations.AcceptedInstruments = instrumentsOf(f, log)
	}

	for _, instrument := range domain.Instruments() {
		var (
			ann   dossier.InstrumentAnnotation
			found bool
		)
		if f, ok := annotations[labels.Assiette[instrument]]; ok {
			if ann.Assiette, err = decimalOf(f); err != nil {
				return nil, nil, fmt.Errorf("dossier %d: %w", number, err)
			}
			found = true
		}
		if f, ok := annotations[labels.Awarded[instrument]]; ok {
			if ann.Awarded, err = decimalOf(f); err != nil {
				return nil, nil, fmt.Errorf("dossier %d: %w", number, err)
			}
			found = true
		}
		if found {
			d.Annotations.Set(instrument, ann)
		}
	}

	ref := &caseRef{
		id:          node.Get("id").String(),
		annotations: make(map[string]string, len(annotations)),
	}
	for label, f := range annotations {
		ref.annotations[label] = f.ID()
	}
	return d, ref, nil
}

func parseTimestamp(r gjson.Result) (*time.Time, error) {
	if !r.Exists() || r.Type == gjson.Null || r.String() == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, r.String())
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", r.String(), err)
	}
	t = t.UTC()
	return &t, nil
}

// instrumentsOf reads instrument names from a multiple choice, linked
// drop-down or comma separated text field. Unknown names are logged and dropped.
func instrumentsOf(f Field, log zerolog.Logger) []domain.Instrument {
	var values []string
	switch v := f.(type) {
	case MultipleChoiceField:
		values = v.Values
	case LinkedDropDownField:
		values = []string{v.Primary}
	case TextField:
		values = strings.Split(v.Value, ",")
	default:
		log.Warn().Str("label", f.Label()).Str("kind", string(f.Kind())).Msg("Field cannot hold instruments")
		return nil
	}

	var out []domain.Instrument
	seen := make(map[domain.Instrument]bool)
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			continue
		}
		instrument, err := domain.ParseInstrument(value)
		if err != nil {
			log.Warn().Err(err).Str("label", f.Label()).Msg("Ignoring unknown instrument")
			continue
		}
		if !seen[instrument] {
			seen[instrument] = true
			out = append(out, instrument)
		}
	}
	return out
}

// decimalOf reads an amount from a decimal, integer or text field. Text
// amounts may use French formatting ("10 000,50").
func decimalOf(f Field) (decimal.NullDecimal, error) {
	switch v := f.(type) {
	case DecimalField:
		return v.Value, nil
	case IntegerField:
		if v.Value == nil {
			return decimal.NullDecimal{}, nil
		}
		return decimal.NewNullDecimal(decimal.NewFromInt(*v.Value)), nil
	case TextField:
		s := strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "€", "", ",", ".").Replace(v.Value)
		if s == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("field %q: invalid amount %q: %w", v.Label(), v.Value, err)
		}
		return decimal.NewNullDecimal(d), nil
	}
	return decimal.NullDecimal{}, fmt.Errorf("field %q: %s cannot hold an amount", f.Label(), f.Kind())
}
