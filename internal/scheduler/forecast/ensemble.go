package forecast

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/Paddel87/AIMA-sub000/internal/common/util"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/configuration"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/metrics"
	"github.com/Paddel87/AIMA-sub000/internal/scheduler/schedulerobjects"
)

// member is one ensemble member together with its adaptive-weighting state.
type member struct {
	forecaster Forecaster
	weight     float64
	// Bounded sliding window of per-cycle RMS errors.
	errorWindow *errorWindow
}

// pendingSample retains what each member predicted so the feedback step can
// score members individually once the horizon elapses.
type pendingSample struct {
	sample       *schedulerobjects.ForecastSample
	memberSeries map[string][]float64
}

// Ensemble combines several interchangeable forecasters into one prediction
// per tracked metric. Member weights adapt over time: after a sample's
// horizon elapses the feedback loop compares each member's prediction
// against the observed values and recomputes weights as the normalized
// inverse of each member's windowed mean error, so consistently more
// accurate members gain influence.
type Ensemble struct {
	config configuration.ForecastConfig
	store  *metrics.Store
	clock  clock.Clock

	mutex   sync.Mutex
	members []*member

	// Issued samples awaiting feedback, keyed by sample id. The TTL is a
	// backstop; scored samples are removed explicitly.
	pending *cache.Cache
}

func NewEnsemble(config configuration.ForecastConfig, store *metrics.Store, clk clock.Clock, forecasters ...Forecaster) *Ensemble {
	members := make([]*member, len(forecasters))
	for i, forecaster := range forecasters {
		members[i] = &member{
			forecaster:  forecaster,
			weight:      1 / float64(len(forecasters)),
			errorWindow: newErrorWindow(config.ErrorWindowSize),
		}
	}
	horizon := time.Duration(config.Horizon) * config.StepInterval
	return &Ensemble{
		config:  config,
		store:   store,
		clock:   clk,
		members: members,
		pending: cache.New(2*horizon, horizon),
	}
}

// Predict produces one combined forecast for a resource-class metric. A
// member that fails to predict (e.g., insufficient history) is excluded from
// the combination for this cycle. If every member fails, the returned sample
// has confidence 0 and no points: no actionable signal.
func (e *Ensemble) Predict(resourceClass string, metric string) *schedulerobjects.ForecastSample {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	history := e.store.History(resourceClass, metric, 0)
	now := e.clock.Now()
	sample := &schedulerobjects.ForecastSample{
		Id:            uuid.NewString(),
		ResourceClass: resourceClass,
		Metric:        metric,
		StepInterval:  e.config.StepInterval,
		IssuedAt:      now,
	}

	memberSeries := map[string][]float64{}
	totalWeight := 0.0
	var contributors []string
	for _, m := range e.members {
		series, err := m.forecaster.Predict(history, e.config.Horizon)
		if err != nil {
			log.WithField("member", m.forecaster.Name()).
				WithField("metric", metric).
				Debugf("member excluded from forecast cycle: %v", err)
			continue
		}
		memberSeries[m.forecaster.Name()] = series
		totalWeight += m.weight
		contributors = append(contributors, m.forecaster.Name())
	}

	if len(memberSeries) == 0 || totalWeight == 0 {
		sample.Confidence = 0
		sample.ModelId = "none"
		return sample
	}

	combined := make([]float64, e.config.Horizon)
	for _, m := range e.members {
		series, ok := memberSeries[m.forecaster.Name()]
		if !ok {
			continue
		}
		for i, value := range series {
			combined[i] += value * (m.weight / totalWeight)
		}
	}
	sample.Points = make([]schedulerobjects.ForecastPoint, len(combined))
	for i, value := range combined {
		sample.Points[i] = schedulerobjects.ForecastPoint{Step: i + 1, Value: value}
	}
	sample.Confidence = e.confidence(memberSeries, combined)
	sample.ModelId = strings.Join(contributors, "+")

	e.pending.Set(sample.Id, &pendingSample{
		sample:       sample,
		memberSeries: memberSeries,
	}, cache.DefaultExpiration)
	return sample
}

// Feedback scores every issued sample whose horizon has elapsed against the
// observed values and recomputes member weights. Run periodically by the
// task manager.
func (e *Ensemble) Feedback() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	now := e.clock.Now()
	for id, item := range e.pending.Items() {
		pending, ok := item.Object.(*pendingSample)
		if !ok {
			e.pending.Delete(id)
			continue
		}
		sample := pending.sample
		if now.Before(sample.HorizonEnd()) {
			continue
		}
		actuals := e.store.Between(sample.ResourceClass, sample.Metric, sample.IssuedAt, sample.HorizonEnd())
		if len(actuals) > 0 {
			for _, m := range e.members {
				series, ok := pending.memberSeries[m.forecaster.Name()]
				if !ok {
					continue
				}
				m.errorWindow.push(rootMeanSquareError(series, actuals, sample.StepInterval, sample.IssuedAt))
			}
			e.recomputeWeights()
		}
		e.pending.Delete(id)
	}
}

// Weights returns the current member weights by name. For introspection and
// tests.
func (e *Ensemble) Weights() map[string]float64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	result := map[string]float64{}
	for _, m := range e.members {
		result[m.forecaster.Name()] = m.weight
	}
	return result
}

// recomputeWeights applies the adaptive-weighting rule: each scored member's
// weight is the inverse of its windowed mean error, epsilon-guarded against
// division by zero. Members with no scored cycles yet keep their current
// share; the scored members split the remainder, so the total stays 1.
func (e *Ensemble) recomputeWeights() {
	inverse := make([]float64, len(e.members))
	total := 0.0
	unscored := 0.0
	for i, m := range e.members {
		meanError, ok := m.errorWindow.mean()
		if !ok {
			unscored += m.weight
			continue
		}
		inverse[i] = 1 / (meanError + e.config.Epsilon)
		total += inverse[i]
	}
	if total == 0 || unscored >= 1 {
		return
	}
	for i, m := range e.members {
		if inverse[i] == 0 {
			continue
		}
		m.weight = (1 - unscored) * inverse[i] / total
	}
}

// confidence measures agreement between members: 1 minus the mean normalized
// spread of member predictions around the combined series, clamped to [0,1].
// A single contributing member yields a fixed moderate confidence.
func (e *Ensemble) confidence(memberSeries map[string][]float64, combined []float64) float64 {
	if len(memberSeries) == 1 {
		return 0.75
	}
	totalSpread := 0.0
	points := 0
	for i, center := range combined {
		variance := 0.0
		for _, series := range memberSeries {
			deviation := series[i] - center
			variance += deviation * deviation
		}
		variance /= float64(len(memberSeries))
		scale := util.Max(math.Abs(center), e.config.Epsilon)
		totalSpread += math.Sqrt(variance) / scale
		points++
	}
	if points == 0 {
		return 0
	}
	return util.Clamp(1-totalSpread/float64(points), 0, 1)
}

// rootMeanSquareError compares a predicted series against observed samples,
// matching each observation to the nearest forecast step.
func rootMeanSquareError(series []float64, actuals []metrics.Sample, step time.Duration, issuedAt time.Time) float64 {
	if len(actuals) == 0 || len(series) == 0 {
		return 0
	}
	sum := 0.0
	n := 0
	for _, actual := range actuals {
		index := int(math.Round(float64(actual.Time.Sub(issuedAt)) / float64(step)))
		if index < 1 {
			index = 1
		}
		if index > len(series) {
			index = len(series)
		}
		deviation := series[index-1] - actual.Value
		sum += deviation * deviation
		n++
	}
	return math.Sqrt(sum / float64(n))
}

// errorWindow is a bounded sliding window of per-cycle errors.
type errorWindow struct {
	size   int
	errors []float64
}

func newErrorWindow(size int) *errorWindow {
	return &errorWindow{size: size}
}

func (w *errorWindow) push(value float64) {
	w.errors = append(w.errors, value)
	if len(w.errors) > w.size {
		w.errors = w.errors[len(w.errors)-w.size:]
	}
}

func (w *errorWindow) mean() (float64, bool) {
	if len(w.errors) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, value := range w.errors {
		sum += value
	}
	return sum / float64(len(w.errors)), true
}
