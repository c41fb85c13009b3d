package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"creditgen-go/internal/provider"
)

const (
	maxPromptLength  = 2000
	maxImageCount    = 4
	maxVideoDuration = 10
)

var imageSizes = map[string]bool{
	"":               true,
	"square":         true,
	"square_hd":      true,
	"portrait_4_3":   true,
	"portrait_16_9":  true,
	"landscape_4_3":  true,
	"landscape_16_9": true,
}

func ImageDescriptor(spec KindSpec, adapter provider.Adapter[provider.ImageInput]) *Descriptor[provider.ImageInput] {
	return &Descriptor[provider.ImageInput]{
		Spec:    spec,
		Adapter: adapter,
		Decode: func(r SubmitRequest) provider.ImageInput {
			return provider.ImageInput{Prompt: strings.TrimSpace(r.Prompt), Size: r.Size, Count: r.Count}
		},
		Validate: func(in provider.ImageInput) error {
			if err := validatePrompt(in.Prompt); err != nil {
				return err
			}
			if !imageSizes[in.Size] {
				return fmt.Errorf("Unsupported image size %q.", in.Size)
			}
			if in.Count < 0 || in.Count > maxImageCount {
				return fmt.Errorf("Image count must be between 1 and %d.", maxImageCount)
			}
			return nil
		},
		Prompt: func(in provider.ImageInput) string { return in.Prompt },
	}
}

func VideoDescriptor(spec KindSpec, adapter provider.Adapter[provider.VideoInput]) *Descriptor[provider.VideoInput] {
	return &Descriptor[provider.VideoInput]{
		Spec:    spec,
		Adapter: adapter,
		Decode: func(r SubmitRequest) provider.VideoInput {
			return provider.VideoInput{
				Prompt:          strings.TrimSpace(r.Prompt),
				SourceURL:       strings.TrimSpace(r.SourceReference),
				DurationSeconds: r.DurationSeconds,
			}
		},
		Validate: func(in provider.VideoInput) error {
			if err := validatePrompt(in.Prompt); err != nil {
				return err
			}
			if err := validateSource(in.SourceURL); err != nil {
				return err
			}
			if in.DurationSeconds < 0 || in.DurationSeconds > maxVideoDuration {
				return fmt.Errorf("Video duration must be at most %d seconds.", maxVideoDuration)
			}
			return nil
		},
		Prompt: func(in provider.VideoInput) string { return in.Prompt },
		Source: func(in provider.VideoInput) string { return in.SourceURL },
	}
}

func EditDescriptor(spec KindSpec, adapter provider.Adapter[provider.EditInput]) *Descriptor[provider.EditInput] {
	return &Descriptor[provider.EditInput]{
		Spec:    spec,
		Adapter: adapter,
		Decode: func(r SubmitRequest) provider.EditInput {
			return provider.EditInput{Prompt: strings.TrimSpace(r.Prompt), SourceURL: strings.TrimSpace(r.SourceReference)}
		},
		Validate: func(in provider.EditInput) error {
			if err := validatePrompt(in.Prompt); err != nil {
				return err
			}
			return validateSource(in.SourceURL)
		},
		Prompt: func(in provider.EditInput) string { return in.Prompt },
		Source: func(in provider.EditInput) string { return in.SourceURL },
	}
}

func validatePrompt(prompt string) error {
	if prompt == "" {
		return errors.New("Please enter a prompt.")
	}
	if utf8.RuneCountInString(prompt) > maxPromptLength {
		return fmt.Errorf("Prompt must be at most %d characters.", maxPromptLength)
	}
	return nil
}

func validateSource(source string) error {
	if source == "" {
		return errors.New("Please provide a source image.")
	}
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("Source image must be an http(s) URL.")
	}
	return nil
}
