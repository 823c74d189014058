package pipeline

import (
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"Cerberus-Core/internal/record"
)

var (
	patternCache sync.Map
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().\-]{5,22}[0-9]$`)
	moneyNoise   = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", ",", "", " ", "", " ", "")
	currencyCode = regexp.MustCompile(`(?i)^(usd|eur|gbp|cny|rmb|jpy|chf|cad|aud)|(usd|eur|gbp|cny|rmb|jpy|chf|cad|aud)$`)

	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"2006.01.02",
		"02.01.2006",
		"01/02/2006",
		"January 2, 2006",
		"Jan 2, 2006",
		"2 January 2006",
		"2 Jan 2006",
		time.RFC3339,
	}
)

// Validate 对记录执行字段级与跨字段规则，收集全部违规，不短路。
// 缺失字段在抽取阶段已记为 missing_field，这里跳过空值。
func Validate(t DocumentType, rec *record.ExtractedRecord) []record.ValidationError {
	var errs []record.ValidationError
	for _, rule := range t.Fields {
		f, ok := rec.Field(rule.Name)
		if !ok || strings.TrimSpace(f.Value) == "" {
			continue
		}
		errs = append(errs, checkField(rule, strings.TrimSpace(f.Value))...)
	}
	for _, rule := range t.Rules {
		if v, ok := checkCross(rule, rec); !ok {
			errs = append(errs, v)
		}
	}
	return errs
}

func checkField(rule FieldRule, value string) []record.ValidationError {
	var errs []record.ValidationError
	invalid := func(kind record.ValidationKind, format string, args ...any) {
		errs = append(errs, record.ValidationError{Kind: kind, Field: rule.Name, Message: fmt.Sprintf(format, args...)})
	}

	var (
		number    float64
		hasNumber bool
	)
	switch rule.Type {
	case TypeNumber:
		n, err := ParseNumber(value)
		if err != nil {
			invalid(record.FormatInvalid, "%q 不是数字", value)
		} else {
			number, hasNumber = n, true
		}
	case TypeMoney:
		n, err := ParseMoney(value)
		if err != nil {
			invalid(record.FormatInvalid, "%q 不是金额", value)
		} else {
			number, hasNumber = n, true
		}
	case TypeDate:
		if _, err := ParseDate(value); err != nil {
			invalid(record.FormatInvalid, "%q 不是可识别的日期", value)
		}
	case TypeEmail:
		if addr, err := mail.ParseAddress(value); err != nil || !strings.EqualFold(addr.Address, value) {
			invalid(record.FormatInvalid, "%q 不是邮箱地址", value)
		}
	case TypePhone:
		if !phonePattern.MatchString(value) || digits(value) < 7 {
			invalid(record.FormatInvalid, "%q 不是电话号码", value)
		}
	}

	if rule.Pattern != "" {
		if re, err := compiled(rule.Pattern); err == nil && !re.MatchString(value) {
			invalid(record.FormatInvalid, "%q 不匹配 %s", value, rule.Pattern)
		}
	}

	if hasNumber {
		if rule.Min != nil && number < *rule.Min {
			invalid(record.RangeInvalid, "%v 小于下限 %v", number, *rule.Min)
		}
		if rule.Max != nil && number > *rule.Max {
			invalid(record.RangeInvalid, "%v 大于上限 %v", number, *rule.Max)
		}
	}

	if len(rule.Enum) > 0 {
		allowed := false
		for _, e := range rule.Enum {
			if strings.EqualFold(e, value) {
				allowed = true
				break
			}
		}
		if !allowed {
			invalid(record.RangeInvalid, "%q 不在允许值 %s 中", value, strings.Join(rule.Enum, ", "))
		}
	}
	return errs
}

func checkCross(rule CrossRule, rec *record.ExtractedRecord) (record.ValidationError, bool) {
	switch rule.Kind {
	case RuleSumEquals:
		target, ok := rec.Field(rule.Target)
		if !ok || strings.TrimSpace(target.Value) == "" {
			return record.ValidationError{}, true
		}
		want, err := ParseMoney(target.Value)
		if err != nil {
			return record.ValidationError{}, true
		}
		var sum float64
		for _, name := range rule.Fields {
			f, ok := rec.Field(name)
			if !ok || strings.TrimSpace(f.Value) == "" {
				continue
			}
			amounts, err := Amounts(f.Value)
			if err != nil {
				return record.ValidationError{}, true
			}
			for _, a := range amounts {
				sum += a
			}
		}
		tolerance := rule.Tolerance
		if tolerance <= 0 {
			tolerance = DefaultSumTolerance
		}
		if math.Abs(sum-want) > tolerance+1e-9 {
			return record.ValidationError{
				Kind:    record.Inconsistent,
				Field:   rule.Target,
				Message: fmt.Sprintf("%s 之和 %.2f 与 %s %.2f 不一致", strings.Join(rule.Fields, "+"), sum, rule.Target, want),
			}, false
		}
	case RuleDateOrder:
		var (
			prev     time.Time
			prevName string
		)
		for _, name := range rule.Fields {
			f, ok := rec.Field(name)
			if !ok || strings.TrimSpace(f.Value) == "" {
				continue
			}
			d, err := ParseDate(f.Value)
			if err != nil {
				continue
			}
			if prevName != "" && d.Before(prev) {
				return record.ValidationError{
					Kind:    record.Inconsistent,
					Field:   name,
					Message: fmt.Sprintf("%s 早于 %s", name, prevName),
				}, false
			}
			prev, prevName = d, name
		}
	}
	return record.ValidationError{}, true
}

// ParseNumber 解析带千分位的数字。
func ParseNumber(value string) (float64, error) {
	return parseFinite(strings.ReplaceAll(strings.TrimSpace(value), ",", ""))
}

// ParseMoney 去掉货币符号与币种代码后解析金额，括号表示负数。
func ParseMoney(value string) (float64, error) {
	v := moneyNoise.Replace(strings.TrimSpace(value))
	v = currencyCode.ReplaceAllString(v, "")
	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = strings.TrimSuffix(strings.TrimPrefix(v, "("), ")")
	}
	n, err := parseFinite(v)
	if err != nil {
		return 0, err
	}
	if negative {
		n = -n
	}
	return n, nil
}

// parseFinite 只接受有限数值，NaN 与 Inf 视为格式错误。
func parseFinite(v string) (float64, error) {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%q 不是有限数值", v)
	}
	return n, nil
}

// ParseDate 按常见格式依次尝试解析日期。
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Amounts 把字段值解析为金额列表。JSON 数组按元素处理，
// 对象元素依次读取 amount、total、price 字段。
func Amounts(value string) ([]float64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "[") || !gjson.Valid(value) {
		n, err := ParseMoney(value)
		if err != nil {
			return nil, err
		}
		return []float64{n}, nil
	}
	var (
		out    []float64
		parseE error
	)
	gjson.Parse(value).ForEach(func(_, item gjson.Result) bool {
		switch {
		case item.Type == gjson.Number:
			out = append(out, item.Float())
		case item.Type == gjson.String:
			n, err := ParseMoney(item.String())
			if err != nil {
				parseE = err
				return false
			}
			out = append(out, n)
		case item.IsObject():
			for _, key := range []string{"amount", "total", "price"} {
				if v := item.Get(key); v.Exists() {
					n, err := ParseMoney(v.String())
					if err != nil {
						parseE = err
						return false
					}
					out = append(out, n)
					break
				}
			}
		}
		return true
	})
	return out, parseE
}

func compiled(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

func digits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
