package rag

import "strings"

// CategorySynonyms 将每个类别映射到其同义短语表。
// 覆盖常见写法变体（login/log in/sign in、fee/fees 等）以提高命中率。
var CategorySynonyms = map[string][]string{
	"Account & Registration": {
		"create account", "register", "sign up", "open account", "eligible",
		"verify identity", "kyc",
	},
	"Payments & Transactions": {
		"payment", "payments", "transfer", "transaction", "transactions", "ach",
		"fees", "fee", "charges", "charge", "atm", "reverse", "cancel",
	},
	"Security & Fraud Prevention": {
		"2fa", "two factor", "security", "fraud", "suspicious", "unauthorized",
		"lock account", "lock", "freeze",
	},
	"Regulations & Compliance": {
		"regulated", "license", "licence", "kyc", "aml", "compliance",
		"insured", "fdic",
	},
	"Technical Support & Troubleshooting": {
		"login", "log in", "sign in", "signin", "unable to log in", "cannot login",
		"can't log in", "cant log in", "forgot password", "reset password",
		"locked out", "error", "app crash", "troubleshoot",
	},
}

// GuessCategories 用同义短语子串匹配猜测子句的类别集合。
// 一个类别只要有任意一个短语出现在归一化子句中即命中;
// 多个类别可以同时命中。
func GuessCategories(clause string) map[string]struct{} {
	qn := Normalize(clause)
	cats := make(map[string]struct{})
	for cat, syns := range CategorySynonyms {
		for _, s := range syns {
			if strings.Contains(qn, s) {
				cats[cat] = struct{}{}
				break
			}
		}
	}
	return cats
}
