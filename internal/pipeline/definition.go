package pipeline

// Definition is the resolved, ordered list of enabled stages for one run.
type Definition struct {
	Stages []BoundStage
}

// Names lists the resolved stage names in execution order.
func (d *Definition) Names() []string {
	out := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		out[i] = s.Name
	}
	return out
}

// Resolve validates req.Params and binds every enabled stage in canonical
// order. Nothing runs here; any problem is a *ConfigurationError so a job never
// starts processing on a preventable mistake.
func Resolve(req Request, reg *Registry) (*Definition, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}

	def := &Definition{}
	total := 0
	for _, name := range Order {
		st, ok := reg.Get(name)
		if !ok {
			return nil, configErr("stage", "%s is not registered", name)
		}
		if st.EnabledIf != nil && !st.EnabledIf(req.Params) {
			continue
		}
		if st.Factory == nil {
			return nil, configErr("stage", "%s has no operation", name)
		}
		op, err := st.Factory(req)
		if err != nil {
			if IsConfigurationError(err) {
				return nil, err
			}
			return nil, configErr(name, "%v", err)
		}
		weight := st.Weight
		if name == StagePersist {
			weight = 100 - total
		} else if weight < 0 {
			return nil, configErr(name, "negative weight %d", weight)
		}
		total += weight
		if total > 100 {
			return nil, configErr(name, "stage weights exceed 100")
		}
		def.Stages = append(def.Stages, BoundStage{Name: name, Weight: weight, Operation: op})
	}
	return def, nil
}
