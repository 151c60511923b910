package webhooks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"settingsync/codec"
	"settingsync/config"
)

type WebhookType uint8

const (
	// ContentScript carries arbitrary messages relayed to every listener
	ContentScript WebhookType = iota
	// StateChanged carries the keys of an external backend change
	StateChanged
	// this magically becomes the number of types we have
	webhookTypesLength
)

var webhookTypeToPayloadType [webhookTypesLength]string

func init() {
	webhookTypeToPayloadType[ContentScript] = "content_script"
	webhookTypeToPayloadType[StateChanged] = "state_changed"

	// if we add more types, make sure one has added everything here
	for _, str := range webhookTypeToPayloadType {
		if str == "" {
			panic(errors.New("ruh roh! looks like you forgot to add a new webhook type to webhookTypeToPayload"))
		}
	}
}

var webhookConfigStringToType = map[string][]WebhookType{
	"content_script": {ContentScript},
	"state_changed":  {StateChanged},
	"all":            {ContentScript, StateChanged},
}

type webhookMessage struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

type webhookList struct {
	Messages []webhookMessage
}

type webhookCollection [webhookTypesLength]webhookList

func (c *webhookCollection) size() int {
	total := 0
	for i := range c {
		total += len(c[i].Messages)
	}
	return total
}

type webhook struct {
	url         string
	typesWanted []WebhookType
	httpClient  *http.Client
}

func (wh *webhook) getPayload(collection *webhookCollection) ([]byte, error) {
	var totalCollection []webhookMessage
	for _, whType := range wh.typesWanted {
		totalCollection = append(totalCollection, collection[whType].Messages...)
	}

	if len(totalCollection) == 0 {
		return nil, nil
	}

	log.Debugf("There are %d webhooks to send to %s", len(totalCollection), wh.url)
	return codec.JSONMarshal(totalCollection)
}

func (wh *webhook) sendCollection(collection *webhookCollection) error {
	payload, err := wh.getPayload(collection)
	if err != nil {
		return fmt.Errorf("failed to generate payload: %w", err)
	}

	if payload == nil {
		// nothing to send
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, wh.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create http request to %s: %w", wh.url, err)
	}

	req.Header.Set("X-Settingsync", "hey!")
	req.Header.Set("Content-Type", "application/json")

	resp, err := wh.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook to %s: %w", wh.url, err)
	}

	defer func() {
		// full body must be read to reuse keep-alive connections.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s responded %s", wh.url, resp.Status)
	}

	log.Debugf("Webhook: Response %s", resp.Status)
	return nil
}

func webhookFromConfigWebhook(configWh config.Webhook) (*webhook, error) {
	urlStr := configWh.Url

	urlObj, err := url.Parse(urlStr)
	if err == nil && urlObj.Scheme == "" {
		err = errors.New("no scheme")
	}
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url '%s': %s", urlStr, err)
	}

	deduped := make(map[WebhookType]bool)
	for _, typeStr := range configWh.Types {
		whTypes, ok := webhookConfigStringToType[typeStr]
		if !ok {
			return nil, fmt.Errorf("unknown webhook type '%s'", typeStr)
		}
		for _, whType := range whTypes {
			deduped[whType] = true
		}
	}

	// types are kept in declaration order so payloads are deterministic
	var typesWanted []WebhookType
	for i := WebhookType(0); i < webhookTypesLength; i++ {
		if len(deduped) == 0 || deduped[i] {
			typesWanted = append(typesWanted, i)
		}
	}

	return &webhook{
		url:         urlStr,
		typesWanted: typesWanted,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}
