// Copyright (C) 2025 Dejavu AI (oss@dejavu-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package router classifies incoming queries by privacy sensitivity to
// decide whether obfuscation is needed before any context leaves the
// process boundary.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/dejavu-ai/dejavu/services/llm"
	"github.com/dejavu-ai/dejavu/services/privacy/privacycfg"
)

const tracerName = "dejavu/router"

// Category is the classification of a query.
type Category string

const (
	CategoryGreeting  Category = "GREETING"
	CategoryFactual   Category = "FACTUAL"
	CategoryCreative  Category = "CREATIVE"
	CategoryStudy     Category = "STUDY"
	CategoryPersonal  Category = "PERSONAL"
	CategoryAmbiguous Category = "AMBIGUOUS"
)

// Risk is the assessed privacy risk of a query.
type Risk string

const (
	RiskNone   Risk = "NONE"
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Classification is the routing decision for a query.
type Classification struct {
	Category      Category `json:"category"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	PrivacyRisk   Risk     `json:"privacy_risk"`
	ShouldProtect bool     `json:"should_generate_decoy"`
	ShouldAskUser bool     `json:"should_ask_user"`

	// FastPath is true when the decision was made without a model call.
	FastPath bool `json:"fast_path"`
}

// systemPrompt instructs the classifier model. The closed category set
// and JSON-only output keep parsing deterministic.
const systemPrompt = `You are the 'Privacy Router' - a classifier that determines if a query contains privacy-sensitive information.

CLASSIFICATION RULES:

1. **GREETING** - Social pleasantries with NO personal information. Privacy Need: NONE.
2. **FACTUAL** - Objective questions about facts, definitions, how-to. Could be asked by ANYONE, no personal context. Privacy Need: NONE.
3. **CREATIVE** - Requests for creative content, code, fun projects. Privacy Need: LOW unless it contains personal details.
4. **STUDY** - Academic learning, homework help, exam prep. Privacy Need: LOW.
5. **PERSONAL** - Contains personal details, emotions, or sensitive situations: personal pronouns plus specific details (age, location, school, company), emotional states with personal context, health/financial/relationship issues, career or academic struggles with identifying info. Privacy Need: HIGH.
6. **AMBIGUOUS** - Cannot determine; the query could go either way or personal details are vague but might be sensitive.

OUTPUT FORMAT (JSON ONLY):
{
  "category": "GREETING|FACTUAL|CREATIVE|STUDY|PERSONAL|AMBIGUOUS",
  "confidence": 0.0-1.0,
  "reasoning": "Brief explanation of classification",
  "privacy_risk": "NONE|LOW|MEDIUM|HIGH",
  "should_generate_decoy": true|false,
  "should_ask_user": true|false
}`

// greetingPatterns match short social pleasantries on the fast path.
var greetingPatterns = []string{
	"你好", "您好", "hi", "hello", "hey", "嗨", "哈喽",
	"早上好", "晚上好", "下午好", "good morning", "good evening",
	"谢谢", "感谢", "thanks", "thank you", "thx",
	"再见", "拜拜", "bye", "goodbye", "see you",
	"圣诞快乐", "新年快乐", "merry christmas", "happy new year",
	"节日快乐", "生日快乐", "happy birthday",
}

// personalMarkers suggest personal or sensitive content. Counted, not
// matched singly: one marker alone is weak evidence.
var personalMarkers = []string{
	"我是", "我叫", "我今年", "我在", "我的",
	"岁", "大学", "公司", "工作", "专业",
	"焦虑", "抑郁", "压力", "痛苦", "难过", "伤心",
	"烦恼", "困惑", "迷茫", "不知道该怎么",
	"老板", "同事", "父母", "男友", "女友", "配偶", "家人",
	"诊断", "病", "症状", "治疗", "医院", "医生",
	"GPA", "成绩", "挂科", "延毕", "被拒", "失业", "裁员",
	"贷款", "债务", "工资", "存款",
}

// Router decides whether a query needs privacy protection.
//
// # Thread Safety
//
// Router is safe for concurrent use. Identical queries classified
// concurrently share one LLM call.
type Router struct {
	llm   llm.Client
	cfg   privacycfg.Source
	group singleflight.Group
}

// New creates a Router. The LLM client handles the slow path; cfg
// supplies temperatures and fast-path limits.
func New(client llm.Client, cfg privacycfg.Source) *Router {
	return &Router{llm: client, cfg: cfg}
}

// Classify routes a query.
//
// # Description
//
// Tries the pattern fast path first: short greetings and marker-dense
// personal messages are decided without an LLM call. Everything else
// goes to the classifier model. Any failure on the slow path returns
// the fail-safe ambiguous classification, which protects; Classify
// never returns an error to callers.
//
// # Outputs
//
//	*Classification - Never nil.
func (r *Router) Classify(ctx context.Context, query string) *Classification {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "router.Classify")
	defer span.End()

	cfg := r.cfg.Current()

	if c := r.quickClassify(query, cfg.Router); c != nil {
		span.SetAttributes(
			attribute.String("router.category", string(c.Category)),
			attribute.Bool("router.fast_path", true),
		)
		slog.Debug("fast path classification",
			"category", c.Category,
			"confidence", c.Confidence,
		)
		return c
	}

	// Coalesce concurrent identical queries into one model call.
	v, _, _ := r.group.Do(query, func() (any, error) {
		return r.classifyLLM(ctx, query, cfg.Temperatures.Router), nil
	})
	c := v.(*Classification)

	span.SetAttributes(
		attribute.String("router.category", string(c.Category)),
		attribute.Bool("router.fast_path", false),
	)
	return c
}

// quickClassify handles the obvious cases without a model call. Returns
// nil when the slow path is needed.
func (r *Router) quickClassify(query string, cfg privacycfg.RouterConfig) *Classification {
	trimmed := strings.ToLower(strings.TrimSpace(query))

	// Length is measured in runes so CJK greetings stay on the fast path.
	if utf8.RuneCountInString(trimmed) < cfg.GreetingMaxLen {
		for _, pattern := range greetingPatterns {
			if strings.Contains(trimmed, pattern) {
				return &Classification{
					Category:      CategoryGreeting,
					Confidence:    0.95,
					Reasoning:     "Detected greeting pattern",
					PrivacyRisk:   RiskNone,
					ShouldProtect: false,
					ShouldAskUser: false,
					FastPath:      true,
				}
			}
		}
	}

	markers := 0
	for _, m := range personalMarkers {
		if strings.Contains(query, m) {
			markers++
		}
	}
	if markers >= cfg.MarkerThreshold {
		return &Classification{
			Category:      CategoryPersonal,
			Confidence:    0.85,
			Reasoning:     fmt.Sprintf("Detected %d personal indicators", markers),
			PrivacyRisk:   RiskHigh,
			ShouldProtect: true,
			ShouldAskUser: false,
			FastPath:      true,
		}
	}

	return nil
}

// classifyLLM runs the slow path. Never returns nil.
func (r *Router) classifyLLM(ctx context.Context, query string, temperature float32) *Classification {
	resp, err := r.llm.Complete(ctx, &llm.Request{
		SystemPrompt: systemPrompt,
		UserContent:  fmt.Sprintf("Classify this query:\n\n%s", query),
		Temperature:  temperature,
		MaxTokens:    500,
		JSONMode:     true,
	})
	if err != nil {
		slog.Warn("classifier model call failed, protecting by default", "error", err)
		return defaultAmbiguous()
	}

	var c Classification
	if err := json.Unmarshal([]byte(resp.Content), &c); err != nil {
		slog.Warn("classifier returned unparseable JSON, protecting by default", "error", err)
		return defaultAmbiguous()
	}
	if !validCategory(c.Category) || !validRisk(c.PrivacyRisk) {
		slog.Warn("classifier returned out-of-set values, protecting by default",
			"category", c.Category,
			"risk", c.PrivacyRisk,
		)
		return defaultAmbiguous()
	}

	slog.Debug("model classification",
		"category", c.Category,
		"confidence", c.Confidence,
		"risk", c.PrivacyRisk,
	)
	return &c
}

// defaultAmbiguous is the fail-safe decision: when classification
// cannot be trusted, protect.
func defaultAmbiguous() *Classification {
	return &Classification{
		Category:      CategoryAmbiguous,
		Confidence:    0.5,
		Reasoning:     "Could not classify, defaulting to safe behavior",
		PrivacyRisk:   RiskMedium,
		ShouldProtect: true,
		ShouldAskUser: true,
	}
}

func validCategory(c Category) bool {
	switch c {
	case CategoryGreeting, CategoryFactual, CategoryCreative, CategoryStudy, CategoryPersonal, CategoryAmbiguous:
		return true
	}
	return false
}

func validRisk(r Risk) bool {
	switch r {
	case RiskNone, RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// FeedbackPrompt returns the question to show the user for ambiguous
// classifications, or an empty string when no feedback is needed.
func FeedbackPrompt(c *Classification) string {
	if c == nil || !c.ShouldAskUser {
		return ""
	}

	switch c.Category {
	case CategoryAmbiguous:
		return "This conversation may contain personal information. Would you like to enable privacy protection?"
	case CategoryCreative, CategoryStudy:
		return "This appears to be a creative/study query. Enable privacy protection anyway?"
	}
	return ""
}
