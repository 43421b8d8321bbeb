package config

// yaml.v2 marshalling for the option enums; they round-trip through their
// textual forms so config files stay readable.

func (a UnwindAlgorithm) MarshalYAML() (interface{}, error) { return a.String(), nil }

func (a *UnwindAlgorithm) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseUnwindAlgorithm(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (o OnOffTty) MarshalYAML() (interface{}, error) { return o.String(), nil }

func (o *OnOffTty) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseOnOffTty(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}

func (t ThreadsToShow) MarshalYAML() (interface{}, error) { return t.String(), nil }

func (t *ThreadsToShow) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseThreadsToShow(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (r RegistersToShow) MarshalYAML() (interface{}, error) { return r.String(), nil }

func (r *RegistersToShow) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseRegistersToShow(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (i ImagesToShow) MarshalYAML() (interface{}, error) { return i.String(), nil }

func (i *ImagesToShow) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseImagesToShow(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}

func (p Preset) MarshalYAML() (interface{}, error) { return p.String(), nil }

func (p *Preset) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParsePreset(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (s SanitizePaths) MarshalYAML() (interface{}, error) { return s.String(), nil }

func (s *SanitizePaths) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseSanitizePaths(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (o OutputTo) MarshalYAML() (interface{}, error) { return o.String(), nil }

func (o *OutputTo) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseOutputTo(s)
	if err != nil {
		return err
	}
	*o = v
	return nil
}
